// 包 mapview：地图渲染面（rendering surface）的生命周期管理
// 约束：一个容器同一时刻至多一个存活的渲染面；重建时先释放旧实例再构造新实例
package mapview

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"ip-tracer/internal/logger"
	"ip-tracer/internal/metrics"
)

const (
	DefaultContainer = "map"
	Zoom             = 13
	TileURL          = "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png"
	TileMaxZoom      = 19
	Attribution      = `&copy; <a href="http://www.openstreetmap.org/copyright">OpenStreetMap</a>`

	leafletImages = "https://unpkg.com/leaflet@1.9.4/dist/images/"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type TileLayer struct {
	URL         string `json:"url"`
	MaxZoom     int    `json:"max_zoom"`
	Attribution string `json:"attribution"`
}

type Icon struct {
	IconURL       string `json:"icon_url"`
	IconRetinaURL string `json:"icon_retina_url"`
	ShadowURL     string `json:"shadow_url"`
	IconSize      [2]int `json:"icon_size"`
	IconAnchor    [2]int `json:"icon_anchor"`
	PopupAnchor   [2]int `json:"popup_anchor"`
	ShadowSize    [2]int `json:"shadow_size"`
}

type Marker struct {
	Position  LatLng `json:"position"`
	Icon      Icon   `json:"icon"`
	Popup     string `json:"popup"`
	PopupOpen bool   `json:"popup_open"`
}

// 文档注释：一次挂载对应的地图描述，前端按 ID 判断是否需要重建
type View struct {
	ID        string    `json:"id"`
	Container string    `json:"container"`
	Center    LatLng    `json:"center"`
	Zoom      int       `json:"zoom"`
	Tiles     TileLayer `json:"tiles"`
	Marker    Marker    `json:"marker"`
}

func MarkerIcon() Icon {
	return Icon{
		IconURL:       leafletImages + "marker-icon.png",
		IconRetinaURL: leafletImages + "marker-icon-2x.png",
		ShadowURL:     leafletImages + "marker-shadow.png",
		IconSize:      [2]int{25, 41},
		IconAnchor:    [2]int{12, 41},
		PopupAnchor:   [2]int{1, -34},
		ShadowSize:    [2]int{41, 41},
	}
}

// Popup：标记弹窗内容
func Popup(lat, lng float64) string {
	return fmt.Sprintf("<b>IP Location</b><br>Lat: %s, Lng: %s", formatCoord(lat), formatCoord(lng))
}

// OSMLink：终端模式下用于打开当前中心点的链接
func OSMLink(c LatLng) string {
	lat, lng := formatCoord(c.Lat), formatCoord(c.Lng)
	return fmt.Sprintf("https://www.openstreetmap.org/?mlat=%s&mlon=%s#map=%d/%s/%s", lat, lng, Zoom, lat, lng)
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func newView(container string, lat, lng float64) View {
	c := LatLng{Lat: lat, Lng: lng}
	return View{
		ID:        uuid.NewString(),
		Container: container,
		Center:    c,
		Zoom:      Zoom,
		Tiles:     TileLayer{URL: TileURL, MaxZoom: TileMaxZoom, Attribution: Attribution},
		Marker: Marker{
			Position:  c,
			Icon:      MarkerIcon(),
			Popup:     Popup(lat, lng),
			PopupOpen: true,
		},
	}
}

// Surface：一个已挂载的渲染面
type Surface struct {
	view     View
	released bool
}

func (s *Surface) View() View     { return s.view }
func (s *Surface) Released() bool { return s.released }

// Host：绑定单个容器的渲染面持有者
type Host struct {
	mu        sync.Mutex
	container string
	live      *Surface
	log       *slog.Logger
}

func NewHost(container string, l *slog.Logger) *Host {
	if container == "" {
		container = DefaultContainer
	}
	if l == nil {
		l = logger.L()
	}
	return &Host{container: container, log: l}
}

func (h *Host) Container() string { return h.container }

// Mount：释放旧渲染面后在新坐标构造渲染面，返回新视图
func (h *Host) Mount(lat, lng float64) View {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseLocked()
	s := &Surface{view: newView(h.container, lat, lng)}
	h.live = s
	metrics.MapMountsTotal.Inc()
	metrics.MapSurfacesLive.Inc()
	h.log.Debug("map_mount", "container", h.container, "id", s.view.ID, "lat", lat, "lng", lng)
	return s.view
}

// Unmount：释放当前渲染面；重复调用无副作用
func (h *Host) Unmount() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseLocked()
}

func (h *Host) releaseLocked() {
	if h.live == nil {
		return
	}
	h.live.released = true
	metrics.MapDisposalsTotal.Inc()
	metrics.MapSurfacesLive.Dec()
	h.log.Debug("map_dispose", "container", h.container, "id", h.live.view.ID)
	h.live = nil
}

// Current：当前存活渲染面的视图
func (h *Host) Current() (View, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live == nil {
		return View{}, false
	}
	return h.live.view, true
}

// Surface：当前存活渲染面，测试与诊断使用
func (h *Host) Surface() *Surface {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// Live：存活渲染面数量，只可能是 0 或 1
func (h *Host) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live == nil {
		return 0
	}
	return 1
}
