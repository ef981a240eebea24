package sink

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/template"
)

const defaultConsoleTemplate = `{{if eq .Kind "event"}}
{{if .Previous}}======= Event ======={{else}}===== Event Detected ====={{end}}
Transaction: {{.TxHash}}
Block: {{.Block}}
Sender: {{.Sender}}
New Value: {{if .HasValue}}{{.Value}}{{else}}unavailable{{end}}
==========================
{{else if eq .Kind "query_failure"}}
state query failed for tx {{.TxHash}} (block {{.Block}}): {{.Error}}
{{else}}
could not decode log in tx {{.TxHash}} (block {{.Block}}): {{.Error}}
{{end}}`

type consoleSender struct {
	mu     sync.Mutex
	w      io.Writer
	render *template.Template
}

// NewConsoleSender renders notifications to w, one block per notification.
func NewConsoleSender(w io.Writer, tmpl string) (Sender, error) {
	if w == nil {
		return nil, fmt.Errorf("console writer required")
	}
	t, err := parseTemplate(tmpl, defaultConsoleTemplate)
	if err != nil {
		return nil, err
	}
	return &consoleSender{w: w, render: t}, nil
}

func (s *consoleSender) Send(_ context.Context, n Notification) error {
	out, err := executeTemplate(s.render, n.View())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, out); err != nil {
		return fmt.Errorf("write console: %w", err)
	}
	return nil
}
