package tools

import (
	"regexp"
	"strings"
)

var toolPrefix = regexp.MustCompile(`(?s)\[Tool:([^\]]+)\]:\s*(.*)`)

// ToolMessage is a chat message optionally addressed to one tool.
// An empty ToolID means the message names no tool.
type ToolMessage struct {
	ToolID string `json:"tool_id,omitempty"`
	Text   string `json:"text"`
}

// ParseToolMessage splits "[Tool:<id>]: <text>" into its parts.
func ParseToolMessage(message string) ToolMessage {
	m := toolPrefix.FindStringSubmatch(message)
	if m == nil {
		return ToolMessage{Text: strings.TrimSpace(message)}
	}
	return ToolMessage{ToolID: m[1], Text: strings.TrimSpace(m[2])}
}

// String renders the message back into its prefixed form.
func (m ToolMessage) String() string {
	if m.ToolID == "" {
		return m.Text
	}
	return "[Tool:" + m.ToolID + "]: " + m.Text
}
