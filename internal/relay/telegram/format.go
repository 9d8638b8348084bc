package telegram

import (
	"encoding/json"
	"fmt"
	"strings"

	"taskrelay/internal/eventbus"
)

const (
	telegramTextLimit = 4000
	dataPreviewLimit  = 1500
)

// Format renders a bus event as a chat message. Unknown event types are
// reported as not renderable.
func Format(ev eventbus.Event) (string, bool) {
	switch d := ev.Data.(type) {
	case eventbus.TaskExecution:
		var b strings.Builder
		fmt.Fprintf(&b, "task %s/%s executed", d.AppID, d.TaskName)
		if d.Error != nil {
			fmt.Fprintf(&b, "\nerror %d: %s", d.Error.Code, d.Error.Message)
		} else if d.Data != nil {
			b.WriteString("\n")
			b.WriteString(preview(d.Data))
		}
		return b.String(), true
	case eventbus.TaskFinished:
		s := fmt.Sprintf("task %s/%s finished", d.AppID, d.TaskName)
		if len(d.Response) > 0 {
			s += "\n" + preview(d.Response)
		}
		return s, true
	case eventbus.TaskLifecycle:
		verb := "registered"
		if ev.Type == eventbus.TypeTaskUnregistered {
			verb = "unregistered"
		}
		return fmt.Sprintf("task %s/%s %s (%s)", d.AppID, d.TaskName, verb, d.ConsumerKind), true
	case eventbus.ColdStart:
		return fmt.Sprintf("cold start for app %s (event for %s dropped)", d.AppID, d.TaskName), true
	case eventbus.DeliveryDropped:
		return fmt.Sprintf("delivery dropped: %s\nkey: %s", d.Reason, d.Key), true
	default:
		return "", false
	}
}

func preview(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(b)
	if r := []rune(s); len(r) > dataPreviewLimit {
		s = string(r[:dataPreviewLimit]) + "…"
	}
	return s
}

// splitTelegramText splits long messages into chunks under limit runes,
// preferring newline boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
