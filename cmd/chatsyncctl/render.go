package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/status"
)

func renderView(w io.Writer, v conversation.View, userID string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s [%s]", v.ConversationID, v.Status)
	if v.Queued > 0 {
		fmt.Fprintf(&sb, " %d queued", v.Queued)
	}
	sb.WriteString(" ==\n")
	switch v.Status {
	case status.Offline:
		sb.WriteString("(offline: showing cached messages, sends are queued)\n")
	case status.Degraded:
		sb.WriteString("(reconnecting...)\n")
	}
	if v.Exhausted && len(v.Items) > 0 {
		sb.WriteString("-- beginning of conversation --\n")
	}

	for i, it := range v.Items {
		if i == v.Boundary {
			sb.WriteString("-------- new messages --------\n")
		}
		sb.WriteString(formatItem(it, userID))
		sb.WriteByte('\n')
	}
	_, _ = io.WriteString(w, sb.String())
}

func formatItem(it conversation.Item, userID string) string {
	m := it.Message
	ts := time.UnixMilli(m.Timestamp).Format("15:04")
	sender := m.SenderID
	if sender == userID {
		sender = "me"
	}
	body := m.Text
	if m.MediaRef != "" || (it.Pending && body == "") {
		body = strings.TrimSpace("[media] " + body)
	}
	line := fmt.Sprintf("[%s] %s: %s", ts, sender, body)
	switch {
	case it.Pending:
		line += "  (sending)"
	case it.Unread > 0:
		line += fmt.Sprintf("  (unread by %d)", it.Unread)
	}
	return line
}

func formatAlert(a notify.Alert) string {
	title := a.Title
	if title == "" {
		title = a.ConversationID
	}
	return fmt.Sprintf("[%s] %s: %s", title, a.SenderID, a.Body)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
