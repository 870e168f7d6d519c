package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/cdispd/internal/events"
	"github.com/mattjoyce/cdispd/internal/loop"
)

const maxEventLines = 10

// HealthState tracks daemon health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Connected     bool
	LastCheck     time.Time
}

// activity lights up on events and fades over ten seconds.
type activity struct {
	dots      int
	lastEvent time.Time
}

func (a *activity) onEvent(now time.Time) {
	a.dots = 5
	a.lastEvent = now
}

func (a *activity) decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	elapsed := now.Sub(a.lastEvent)
	a.dots = max(0, 5-int(elapsed/(2*time.Second)))
}

func (a activity) render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < a.dots {
			b.WriteString(theme.ActivityOn.Render("●"))
		} else {
			b.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(health HealthState, snap *loop.Snapshot, act activity, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	title := " CDISPD MONITOR"
	pad := max(1, innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	uptime := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)
	statsLine := fmt.Sprintf(" %s  up %s", statusText, uptime)

	dispatchLine := theme.Dim.Render(" waiting for /status...")
	if snap != nil {
		last := theme.StatusOK.Render(string(snap.LastStatus))
		if snap.LastStatus == loop.StatusFailure {
			last = theme.StatusFailed.Render(string(snap.LastStatus))
		}
		ref := snap.ReferenceVersion
		if ref == "" {
			ref = "none"
		}
		dispatchLine = fmt.Sprintf(" %s  reference %s  last %s  queue %d  cycles %d",
			theme.Highlight.Render(string(snap.State)), ref, last, len(snap.Queue), snap.Cycles)
		if snap.DryRun {
			dispatchLine += theme.Highlight.Render("  DRY RUN")
		}
	}

	lastEvent := "never"
	if !act.lastEvent.IsZero() {
		lastEvent = fmt.Sprintf("%s ago", time.Since(act.lastEvent).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, act.render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, dispatchLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= maxEventLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".succeeded"):
		typeStyle = theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"), e.Type == events.TypeComponentRemoved:
		typeStyle = theme.StatusFailed
	case strings.HasSuffix(e.Type, ".started"):
		typeStyle = theme.StatusRunning
	case strings.HasPrefix(e.Type, "daemon."), e.Type == events.TypeDispatchDryRun:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", e.Type)), eventDesc(e))
}

// eventDesc picks the interesting fields out of an event payload.
func eventDesc(e events.Event) string {
	var d struct {
		eventData
		ContentChanged *bool  `json:"content_changed"`
		ExitCode       *int   `json:"exit_code"`
		Error          string `json:"error"`
	}
	_ = json.Unmarshal(e.Data, &d)

	var parts []string
	if d.Candidate != "" {
		parts = append(parts, "candidate="+d.Candidate)
	}
	if d.Reference != "" {
		parts = append(parts, "reference="+d.Reference)
	}
	if d.Version != "" {
		parts = append(parts, "version="+d.Version)
	}
	if d.Component != "" {
		parts = append(parts, d.Component)
	}
	if len(d.Components) > 0 {
		parts = append(parts, "["+strings.Join(d.Components, " ")+"]")
	}
	if d.ContentChanged != nil && !*d.ContentChanged {
		parts = append(parts, "unchanged")
	}
	if d.ExitCode != nil {
		parts = append(parts, fmt.Sprintf("exit=%d", *d.ExitCode))
	}
	if d.Message != "" {
		parts = append(parts, d.Message)
	}
	if d.Error != "" {
		parts = append(parts, d.Error)
	}

	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
