package diag

import (
	"fmt"
	"strings"
)

// Kind identifies the shape of a diagnostic message
type Kind string

const (
	KindConsole   Kind = "console"
	KindPageError Kind = "pageerror"
)

// Message is a console line or an uncaught page error observed while the
// target page was loaded. Use Console or PageError to build one.
type Message struct {
	Kind        Kind   `json:"kind"`
	Level       string `json:"level,omitempty"`
	Text        string `json:"text,omitempty"`
	Description string `json:"description,omitempty"`
}

// Console creates a console message
func Console(level, text string) Message {
	return Message{
		Kind:  KindConsole,
		Level: level,
		Text:  foldLines(text),
	}
}

// PageError creates an uncaught page error message. Only the first line of
// the description is kept; the rest is the stack.
func PageError(description string) Message {
	if i := strings.IndexAny(description, "\r\n"); i >= 0 {
		description = description[:i]
	}
	return Message{
		Kind:        KindPageError,
		Description: strings.TrimSpace(description),
	}
}

// String renders the message as a single log line
func (m Message) String() string {
	switch m.Kind {
	case KindPageError:
		return "PAGEERROR: " + m.Description
	default:
		return fmt.Sprintf("CONSOLE: [%s] %s", m.Level, m.Text)
	}
}

func foldLines(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, " ")
}
