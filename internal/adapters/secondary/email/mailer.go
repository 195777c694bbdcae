// Package email implements the offline fallback for personal notifications.
package email

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"text/template"
	"time"

	"github.com/lorrc/service-desk-collab/internal/core/domain"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

// Config controls the mailer.
type Config struct {
	From string
	// DedupeWindow suppresses an identical notice to the same recipient.
	// Zero disables suppression.
	DedupeWindow time.Duration
}

// Message is one rendered email.
type Message struct {
	From     string
	To       string
	Subject  string
	Body     string
	TicketID domain.TicketID
}

var bodyTemplate = template.Must(template.New("notice").Parse(
	`{{.Message}}
{{if .TicketID}}
Ticket: {{.TicketID}}{{end}}
--
You received this because you were offline when it was sent.
`))

// LogMailer renders offline notices and logs them instead of handing them
// to an SMTP relay.
type LogMailer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	recent map[noticeKey]time.Time
	sent   []Message
}

type noticeKey struct {
	recipient string
	ticket    domain.TicketID
	subject   string
}

var _ ports.OfflineNotifier = (*LogMailer)(nil)

// NewLogMailer creates a mailer writing to logger.
func NewLogMailer(cfg Config, logger *slog.Logger) *LogMailer {
	return &LogMailer{
		cfg:    cfg,
		logger: logger.With("component", "offline_mailer"),
		now:    time.Now,
		recent: make(map[noticeKey]time.Time),
	}
}

// Notify renders and records the notice. The triggering request may have
// finished already, so ctx cancellation is ignored.
func (m *LogMailer) Notify(ctx context.Context, n ports.OfflineNotification) {
	ctx = context.WithoutCancel(ctx)

	if n.RecipientID == "" {
		m.logger.WarnContext(ctx, "offline notice dropped: no recipient", "subject", n.Subject)
		return
	}
	if m.suppressed(noticeKey{n.RecipientID, n.TicketID, n.Subject}) {
		m.logger.DebugContext(ctx, "offline notice suppressed as duplicate",
			"recipient_id", n.RecipientID,
			"subject", n.Subject,
		)
		return
	}

	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, n); err != nil {
		m.logger.ErrorContext(ctx, "offline notice render failed", "error", err)
		return
	}
	msg := Message{
		From:     m.cfg.From,
		To:       n.RecipientID,
		Subject:  n.Subject,
		Body:     body.String(),
		TicketID: n.TicketID,
	}

	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "offline notice sent",
		"recipient_id", msg.To,
		"subject", msg.Subject,
		"ticket_id", string(msg.TicketID),
		"body_bytes", len(msg.Body),
	)
}

// Sent returns a copy of every message handed off so far.
func (m *LogMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

func (m *LogMailer) suppressed(key noticeKey) bool {
	if m.cfg.DedupeWindow <= 0 {
		return false
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, at := range m.recent {
		if now.Sub(at) >= m.cfg.DedupeWindow {
			delete(m.recent, k)
		}
	}
	if _, dup := m.recent[key]; dup {
		return true
	}
	m.recent[key] = now
	return false
}
