// 包 display：信息面板，只读展示当前查询与定位结果
package display

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"ip-tracer/internal/state"
)

const Title = "IP Address Tracer"

// Panel：面板上的四个字段
type Panel struct {
	IPAddress string `json:"ip_address"`
	Location  string `json:"location"`
	TimeZone  string `json:"timezone"`
	ISP       string `json:"isp"`
}

// Row：标签与取值，供文本与 HTML 渲染共用
type Row struct {
	Label string
	Value string
}

func FromState(s state.State) Panel {
	return Panel{
		IPAddress: s.Query,
		Location:  s.Resolution.Location,
		TimeZone:  "UTC" + s.Resolution.Timezone,
		ISP:       s.Resolution.ISP,
	}
}

func (p Panel) Rows() []Row {
	return []Row{
		{Label: "IP Address", Value: p.IPAddress},
		{Label: "Location", Value: p.Location},
		{Label: "TimeZone", Value: p.TimeZone},
		{Label: "ISP", Value: p.ISP},
	}
}

// Render：按显示宽度对齐输出面板，值中含 CJK 或 emoji 时仍保持对齐
func (p Panel) Render(w io.Writer) error {
	rows := p.Rows()
	labelWidth, valueWidth := 0, 0
	for _, r := range rows {
		labelWidth = max(labelWidth, runewidth.StringWidth(r.Label))
		valueWidth = max(valueWidth, runewidth.StringWidth(r.Value))
	}
	sep := strings.Repeat("-", labelWidth+valueWidth+3)
	if _, err := fmt.Fprintf(w, "%s\n%s\n", Title, sep); err != nil {
		return err
	}
	for _, r := range rows {
		line := runewidth.FillRight(r.Label, labelWidth) + " : " + r.Value
		if _, err := fmt.Fprintln(w, strings.TrimRight(line, " ")); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, sep)
	return err
}

func (p Panel) String() string {
	var b strings.Builder
	_ = p.Render(&b)
	return b.String()
}
