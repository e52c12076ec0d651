package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"ip-tracer/internal/mapview"
	"ip-tracer/internal/state"
	"ip-tracer/internal/tracker"
)

// runSession：每行输入视为一次输入框变化；快照进入终态时打印面板与地图链接
// 约束：输入结束后等待最后一次查询落定再返回
func runSession(ctx context.Context, in io.Reader, out io.Writer, tr *tracker.Tracker) error {
	snaps, cancel := tr.Subscribe()
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	var (
		last      string
		submitted bool
		eof       bool
		printed   struct {
			gen    uint64
			status state.Status
		}
	)
	handle := func(s tracker.Snapshot) error {
		if s.State.Status == state.StatusPending {
			return nil
		}
		if s.State.Generation == printed.gen && s.State.Status == printed.status {
			return nil
		}
		printed.gen, printed.status = s.State.Generation, s.State.Status
		return printSnapshot(out, s)
	}
	settled := func(s tracker.Snapshot) bool {
		if s.State.Status == state.StatusPending {
			return false
		}
		return !submitted || s.State.Query == last
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				eof = true
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				if settled(tr.Snapshot()) {
					// 发布时快照与通道在同一把锁下更新，未读的终态快照此时已在通道中
					select {
					case snap, ok := <-snaps:
						if ok {
							return handle(snap)
						}
					default:
					}
					return nil
				}
				continue
			}
			last, submitted = line, true
			if err := tr.SetQuery(line); err != nil {
				return err
			}
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if err := handle(snap); err != nil {
				return err
			}
			if eof && settled(snap) {
				return nil
			}
		}
	}
}

func printSnapshot(w io.Writer, s tracker.Snapshot) error {
	if err := s.Panel.Render(w); err != nil {
		return err
	}
	if s.Map.ID == "" {
		return nil
	}
	_, err := fmt.Fprintf(w, "Map : %s\n", mapview.OSMLink(s.Map.Center))
	return err
}
