package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/realtime"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Define styles using lipgloss
var (
	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	lifecycleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	messageStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("33"))

	detailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))
)

var titleCaser = cases.Title(language.English)

// eventTitle renders an event kind for humans ("reconnect_failed" ->
// "Reconnect Failed").
func eventTitle(kind core.EventKind) string {
	return titleCaser.String(strings.ReplaceAll(kind.String(), "_", " "))
}

// formatItem renders a hub item as one line: JSON by default, styled text
// when pretty is set.
func formatItem(it realtime.Item, pretty bool) string {
	if !pretty {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		return string(data)
	}

	ts := timeStyle.Render(it.At.Format("15:04:05.000"))
	switch {
	case it.Event != nil:
		return ts + " " + formatLifecycle(*it.Event)
	case it.Message != nil:
		return ts + " " + messageStyle.Render(it.Message.Type) + " " + detailStyle.Render(compactJSON(it.Message.Body))
	}
	return ts
}

func formatLifecycle(ev core.Event) string {
	title := eventTitle(ev.Kind)
	var detail string
	switch ev.Kind {
	case core.EventReconnecting, core.EventReconnected:
		detail = fmt.Sprintf("attempt %d", ev.Attempt)
	case core.EventAuthTokenExpired:
		detail = "expired at " + time.Unix(ev.ExpiresAt, 0).Format(time.RFC3339)
	case core.EventError:
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
	}

	style := lifecycleStyle
	switch ev.Kind {
	case core.EventError, core.EventReconnectFailed:
		style = errorStyle
	case core.EventDisconnect, core.EventReconnecting, core.EventAuthTokenExpired:
		style = warnStyle
	}

	out := style.Render(title)
	if detail != "" {
		out += " " + detailStyle.Render(detail)
	}
	return out
}

func compactJSON(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return string(data)
	}
	return buf.String()
}
