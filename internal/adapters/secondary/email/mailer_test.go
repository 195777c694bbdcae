package email

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

func newTestMailer(window time.Duration) (*LogMailer, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewLogMailer(Config{From: "desk@example.com", DedupeWindow: window}, logger), &buf
}

var resolved = ports.OfflineNotification{
	RecipientID: "customer-42",
	Subject:     "Ticket resolved",
	Message:     "Your ticket was resolved.",
	TicketID:    "T1",
}

func TestLogMailer_RendersAndLogs(t *testing.T) {
	m, buf := newTestMailer(0)

	// A cancelled request context must not suppress the fallback.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Notify(ctx, resolved)

	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "desk@example.com", sent[0].From)
	assert.Equal(t, "customer-42", sent[0].To)
	assert.Contains(t, sent[0].Body, "Your ticket was resolved.")
	assert.Contains(t, sent[0].Body, "Ticket: T1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "offline notice sent", entry["msg"])
	assert.Equal(t, "T1", entry["ticket_id"])
	assert.Equal(t, "offline_mailer", entry["component"])
}

func TestLogMailer_NoRecipient(t *testing.T) {
	m, buf := newTestMailer(0)

	m.Notify(context.Background(), ports.OfflineNotification{Subject: "x"})

	assert.Empty(t, m.Sent())
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
}

func TestLogMailer_SuppressesDuplicatesInWindow(t *testing.T) {
	m, _ := newTestMailer(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	m.Notify(context.Background(), resolved)
	m.Notify(context.Background(), resolved)
	other := resolved
	other.Subject = "Ticket reopened"
	m.Notify(context.Background(), other)
	assert.Len(t, m.Sent(), 2)

	now = now.Add(time.Minute)
	m.Notify(context.Background(), resolved)
	assert.Len(t, m.Sent(), 3)
}
