package tui

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/mattjoyce/cdispd/internal/events"
)

// Component display states.
const (
	compRunning   = "running"
	compSucceeded = "succeeded"
	compFailed    = "failed"
	compRetry     = "retry"
	compDryRun    = "dry_run"
	compRemoved   = "removed"
)

// ComponentState is what the monitor knows about one component from the
// event stream.
type ComponentState struct {
	Name    string
	Status  string
	Version string
	Message string
	Updated time.Time
}

type eventData struct {
	Candidate  string   `json:"candidate"`
	Reference  string   `json:"reference"`
	Version    string   `json:"version"`
	Components []string `json:"components"`
	Component  string   `json:"component"`
	Message    string   `json:"message"`
}

// updateComponents folds one event into the per-component view.
func updateComponents(comps map[string]*ComponentState, e events.Event) {
	var d eventData
	_ = json.Unmarshal(e.Data, &d)
	now := time.Now()

	get := func(name string) *ComponentState {
		c, ok := comps[name]
		if !ok {
			c = &ComponentState{Name: name}
			comps[name] = c
		}
		c.Updated = now
		return c
	}

	switch e.Type {
	case events.TypeDispatchStarted:
		for _, name := range d.Components {
			c := get(name)
			c.Status = compRunning
			c.Version = d.Candidate
			c.Message = ""
		}
	case events.TypeDispatchSucceeded:
		for _, name := range d.Components {
			get(name).Status = compSucceeded
		}
	case events.TypeDispatchDryRun:
		for _, name := range d.Components {
			get(name).Status = compDryRun
		}
	case events.TypeDispatchFailed:
		// The whole queue is retried; individual culprits follow as
		// component.failed events.
		for _, c := range comps {
			if c.Status == compRunning {
				c.Status = compRetry
				c.Updated = now
			}
		}
	case events.TypeComponentFailed:
		if d.Component != "" {
			c := get(d.Component)
			c.Status = compFailed
			c.Message = d.Message
		}
	case events.TypeComponentRemoved:
		if d.Component != "" {
			c := get(d.Component)
			c.Status = compRemoved
			c.Version = d.Version
		}
	}
}

// componentRows renders components sorted by name.
func componentRows(comps map[string]*ComponentState, theme Theme) []table.Row {
	names := make([]string, 0, len(comps))
	for name := range comps {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		c := comps[name]
		rows = append(rows, table.Row{
			statusSymbol(c.Status, theme),
			c.Name,
			c.Status,
			c.Version,
			truncate(c.Message, 60),
		})
	}
	return rows
}

func statusSymbol(status string, theme Theme) string {
	switch status {
	case compRunning:
		return theme.StatusRunning.Render("◉")
	case compSucceeded:
		return theme.StatusOK.Render("●")
	case compFailed:
		return theme.StatusFailed.Render("∅")
	case compRetry:
		return theme.StatusFailed.Render("◑")
	case compDryRun:
		return theme.Highlight.Render("◌")
	case compRemoved:
		return theme.StatusDead.Render("✕")
	default:
		return theme.StatusQueued.Render("○")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
