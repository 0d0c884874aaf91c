// Package tui renders the kernel top dashboard, a live terminal view
// over the /statsz endpoint.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"

	"github.com/nodebooks/kernel/internal/domain/model"
)

type Config struct {
	// BaseURL is the kernel host, e.g. http://127.0.0.1:8090.
	BaseURL string
	// Poll is the refresh cadence. Defaults to one second.
	Poll time.Duration
}

// statsz mirrors the /statsz response shape.
type statsz struct {
	model.KernelStats
	Transport *transportStats `json:"transport"`
}

type transportStats struct {
	FramesRelayed  map[string]int64 `json:"frames_relayed"`
	StreamBytes    int64            `json:"stream_bytes"`
	ProtocolErrors int64            `json:"protocol_errors"`
}

// Run owns the terminal until the user quits with q or Ctrl-C.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}

	if err := ui.Init(); err != nil {
		return fmt.Errorf("tui: init terminal: %w", err)
	}
	defer ui.Close()

	d := newDashboard(cfg)
	d.layout()
	d.refresh()

	ticker := time.NewTicker(cfg.Poll)
	defer ticker.Stop()
	events := ui.PollEvents()

	for {
		select {
		case <-ctx.Done():
			return nil

		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				d.layout()
				d.render()
			}

		case <-ticker.C:
			d.refresh()
		}
	}
}

func fetchStatsz(client *http.Client, baseURL string) (*statsz, error) {
	resp, err := client.Get(baseURL + "/statsz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("statsz: status %d", resp.StatusCode)
	}

	var s statsz
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("statsz: decode: %w", err)
	}
	return &s, nil
}
