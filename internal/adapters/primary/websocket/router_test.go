package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lorrc/service-desk-collab/internal/adapters/secondary/memory"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
	"github.com/lorrc/service-desk-collab/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyMessageStore fails appends while failing is set.
type flakyMessageStore struct {
	ports.MessageStore
	mu      sync.Mutex
	failing bool
}

func (s *flakyMessageStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *flakyMessageStore) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return nil, apperrors.Unavailable("append message", errors.New("connection reset"))
	}
	return s.MessageStore.Append(ctx, msg)
}

type routerFixture struct {
	registry *Registry
	router   *Router
	tickets  *memory.TicketStore
	messages *flakyMessageStore
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	tickets := memory.NewTicketStore()
	tickets.Put(domain.TicketAccess{ID: "T1", RequesterID: "customer-42"})
	tickets.Put(domain.TicketAccess{ID: "T9", RequesterID: "customer-77"})

	messages := &flakyMessageStore{MessageStore: memory.NewMessageStore()}
	guard := services.NewAccessGuard(tickets, time.Second)
	chat := services.NewChatService(guard, messages, tickets, services.DefaultChatConfig(), discardLogger())
	registry := NewRegistry(nil, discardLogger())

	return &routerFixture{
		registry: registry,
		router:   NewRouter(registry, chat, nil, discardLogger()),
		tickets:  tickets,
		messages: messages,
	}
}

func (f *routerFixture) connect(t *testing.T, identity domain.Identity) *Connection {
	t.Helper()
	c := testConnection(identity)
	require.NoError(t, f.registry.Register(c))
	return c
}

func (f *routerFixture) handle(c *Connection, frame any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	f.router.Handle(context.Background(), c, raw)
}

func frame(eventType domain.EventType, requestID string, payload any) map[string]any {
	return map[string]any{"type": eventType, "requestId": requestID, "payload": payload}
}

func (f *routerFixture) join(t *testing.T, c *Connection, ticketID domain.TicketID) domain.HistoryPayload {
	t.Helper()
	f.handle(c, frame(domain.EventJoin, "j", map[string]any{"ticketId": ticketID}))
	env := nextEvent(t, c)
	require.Equal(t, domain.EventHistory, env.Type, "join reply: %s", env.Payload)
	return decodePayload[domain.HistoryPayload](t, env)
}

func TestRouter_JoinForbidden(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect(t, customer42)

	f.handle(c, frame(domain.EventJoin, "req-1", map[string]any{"ticketId": "T9"}))

	env := nextEvent(t, c)
	assert.Equal(t, domain.EventError, env.Type)
	assert.Equal(t, "req-1", env.RequestID)
	p := decodePayload[domain.ErrorPayload](t, env)
	assert.Equal(t, apperrors.CodeForbidden, p.Code)
	assert.Equal(t, domain.TicketID("T9"), p.TicketID)

	assertNoEvent(t, c)
	assert.False(t, c.InRoom("T9"))
	assert.Empty(t, f.registry.Members("T9"))
}

func TestRouter_JoinDeliversHistoryToJoinerOnly(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, customer42)
	b := f.connect(t, agent7)

	f.join(t, b, "T1")
	f.handle(b, frame(domain.EventMessage, "", map[string]any{"ticketId": "T1", "content": "earlier"}))
	nextEvent(t, b)

	history := f.join(t, a, "T1")
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "earlier", history.Messages[0].Content)
	assert.True(t, a.InRoom("T1"))
	assertNoEvent(t, b)
}

func TestRouter_RejoinRechecksAccess(t *testing.T) {
	f := newRouterFixture(t)
	assignee := "customer-42"
	f.tickets.Put(domain.TicketAccess{ID: "T3", RequesterID: "customer-77", AssigneeID: &assignee})
	c := f.connect(t, customer42)

	f.join(t, c, "T3")
	f.tickets.Put(domain.TicketAccess{ID: "T3", RequesterID: "customer-77"})

	f.handle(c, frame(domain.EventJoin, "", map[string]any{"ticketId": "T3"}))
	p := decodePayload[domain.ErrorPayload](t, nextEvent(t, c))
	assert.Equal(t, apperrors.CodeForbidden, p.Code)
	assert.False(t, c.InRoom("T3"))
}

func TestRouter_SendBroadcastsToWholeRoom(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, customer42)
	b := f.connect(t, agent7)
	f.join(t, a, "T1")
	f.join(t, b, "T1")

	f.handle(a, frame(domain.EventMessage, "", map[string]any{"ticketId": "T1", "content": "hello", "clientMessageId": "c-1"}))

	fromA := decodePayload[domain.MessageSnapshot](t, nextEvent(t, a))
	fromB := decodePayload[domain.MessageSnapshot](t, nextEvent(t, b))
	assert.Equal(t, "hello", fromA.Content)
	assert.NotEmpty(t, fromA.ID)
	assert.Equal(t, fromA.ID, fromB.ID)
	assert.Equal(t, "c-1", fromA.ClientMessageID)

	require.Eventually(t, func() bool {
		_, ok := f.tickets.LastActivity("T1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestRouter_SendValidationAndMembership(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, customer42)
	b := f.connect(t, agent7)

	f.handle(a, frame(domain.EventMessage, "m0", map[string]any{"ticketId": "T1", "content": "hi"}))
	assert.Equal(t, apperrors.CodeNotJoined, decodePayload[domain.ErrorPayload](t, nextEvent(t, a)).Code)

	f.join(t, a, "T1")
	f.join(t, b, "T1")
	f.handle(a, frame(domain.EventMessage, "m1", map[string]any{"ticketId": "T1", "content": "   "}))

	env := nextEvent(t, a)
	assert.Equal(t, "m1", env.RequestID)
	assert.Equal(t, apperrors.CodeInvalidMessage, decodePayload[domain.ErrorPayload](t, env).Code)
	assertNoEvent(t, b)
}

func TestRouter_FailedSendIsNeverBroadcast(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, customer42)
	b := f.connect(t, agent7)
	f.join(t, a, "T1")
	f.join(t, b, "T1")

	f.messages.setFailing(true)
	f.handle(a, frame(domain.EventMessage, "m1", map[string]any{"ticketId": "T1", "content": "lost"}))

	p := decodePayload[domain.ErrorPayload](t, nextEvent(t, a))
	assert.Equal(t, apperrors.CodeInternal, p.Code)
	assertNoEvent(t, a)
	assertNoEvent(t, b)

	f.messages.setFailing(false)
	history := f.join(t, b, "T1")
	assert.Empty(t, history.Messages)
}

func TestRouter_SameSenderOrdering(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, customer42)
	b := f.connect(t, agent7)
	f.join(t, a, "T1")
	f.join(t, b, "T1")

	contents := []string{"one", "two", "three", "four", "five"}
	for _, content := range contents {
		f.handle(a, frame(domain.EventMessage, "", map[string]any{"ticketId": "T1", "content": content}))
	}

	for _, want := range contents {
		assert.Equal(t, want, decodePayload[domain.MessageSnapshot](t, nextEvent(t, b)).Content)
	}
}

func TestRouter_InternalNotesHiddenFromCustomers(t *testing.T) {
	f := newRouterFixture(t)
	customer := f.connect(t, customer42)
	agent := f.connect(t, agent7)
	f.join(t, customer, "T1")
	f.join(t, agent, "T1")

	f.handle(agent, frame(domain.EventMessage, "", map[string]any{"ticketId": "T1", "content": "escalate?", "internal": true}))

	note := decodePayload[domain.MessageSnapshot](t, nextEvent(t, agent))
	assert.True(t, note.Internal)
	assertNoEvent(t, customer)

	history := f.join(t, customer, "T1")
	assert.Empty(t, history.Messages)
}

func TestRouter_TypingIsNotEchoed(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, customer42)
	b := f.connect(t, agent7)
	f.join(t, a, "T1")
	f.join(t, b, "T1")

	f.handle(a, frame(domain.EventTyping, "", map[string]any{"ticketId": "T1", "isTyping": true}))

	env := nextEvent(t, b)
	assert.Equal(t, domain.EventTyping, env.Type)
	p := decodePayload[domain.TypingPayload](t, env)
	assert.Equal(t, "customer-42", p.IdentityID)
	assert.Equal(t, "Cara", p.DisplayName)
	assert.True(t, p.IsTyping)
	assertNoEvent(t, a)
}

func TestRouter_ReadReceipts(t *testing.T) {
	f := newRouterFixture(t)
	a := f.connect(t, customer42)
	b := f.connect(t, agent7)
	f.join(t, a, "T1")
	f.join(t, b, "T1")

	f.handle(b, frame(domain.EventMessage, "", map[string]any{"ticketId": "T1", "content": "how can I help"}))
	msgID := decodePayload[domain.MessageSnapshot](t, nextEvent(t, a)).ID
	nextEvent(t, b)

	f.handle(a, frame(domain.EventRead, "r1", map[string]any{"ticketId": "T1", "messageIds": []string{msgID}}))

	env := nextEvent(t, b)
	assert.Equal(t, domain.EventRead, env.Type)
	p := decodePayload[domain.ReadPayload](t, env)
	assert.Equal(t, "customer-42", p.IdentityID)
	assert.Equal(t, []string{msgID}, p.MessageIDs)
	assertNoEvent(t, a)

	history := f.join(t, b, "T1")
	require.Len(t, history.Messages, 1)
	assert.Contains(t, history.Messages[0].ReadBy, "customer-42")

	f.handle(a, frame(domain.EventRead, "r2", map[string]any{"ticketId": "T1", "messageIds": []string{"not-a-uuid"}}))
	assert.Equal(t, apperrors.CodeBadRequest, decodePayload[domain.ErrorPayload](t, nextEvent(t, a)).Code)
}

func TestRouter_InternalNoteReceiptsReachStaffOnly(t *testing.T) {
	f := newRouterFixture(t)
	agent8 := domain.Identity{UserID: "agent-8", DisplayName: "Bo", Role: domain.RoleAgent}
	customer := f.connect(t, customer42)
	author := f.connect(t, agent7)
	reader := f.connect(t, agent8)
	for _, c := range []*Connection{customer, author, reader} {
		f.join(t, c, "T1")
	}

	f.handle(customer, frame(domain.EventMessage, "", map[string]any{"ticketId": "T1", "content": "still broken"}))
	public := decodePayload[domain.MessageSnapshot](t, nextEvent(t, customer)).ID
	nextEvent(t, author)
	nextEvent(t, reader)

	f.handle(author, frame(domain.EventMessage, "", map[string]any{"ticketId": "T1", "content": "refund?", "internal": true}))
	note := decodePayload[domain.MessageSnapshot](t, nextEvent(t, author)).ID
	nextEvent(t, reader)
	assertNoEvent(t, customer)

	f.handle(reader, frame(domain.EventRead, "", map[string]any{"ticketId": "T1", "messageIds": []string{public, note}}))

	assert.ElementsMatch(t, []string{public, note}, decodePayload[domain.ReadPayload](t, nextEvent(t, author)).MessageIDs)
	seen := decodePayload[domain.ReadPayload](t, nextEvent(t, customer))
	assert.Equal(t, []string{public}, seen.MessageIDs)
	assert.Equal(t, "agent-8", seen.IdentityID)
	assertNoEvent(t, customer)
	assertNoEvent(t, reader)

	// Only the internal note: the customer hears nothing.
	f.handle(author, frame(domain.EventRead, "", map[string]any{"ticketId": "T1", "messageIds": []string{note}}))
	assert.Equal(t, []string{note}, decodePayload[domain.ReadPayload](t, nextEvent(t, reader)).MessageIDs)
	assertNoEvent(t, customer)

	// A customer's receipt on an internal note is not recorded.
	f.handle(customer, frame(domain.EventRead, "", map[string]any{"ticketId": "T1", "messageIds": []string{note}}))
	assertNoEvent(t, author)
	assertNoEvent(t, customer)
}

func TestRouter_LeavePresencePing(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect(t, customer42)
	f.join(t, c, "T1")

	f.handle(c, frame(domain.EventLeave, "", map[string]any{"ticketId": "T1"}))
	assert.False(t, c.InRoom("T1"))
	assertNoEvent(t, c)

	f.handle(c, frame(domain.EventPresence, "", map[string]any{"state": "away"}))
	assertNoEvent(t, c)

	f.handle(c, map[string]any{"type": domain.EventPing, "requestId": "p1"})
	env := nextEvent(t, c)
	assert.Equal(t, domain.EventPong, env.Type)
	assert.Equal(t, "p1", env.RequestID)
}

func TestRouter_BadFrames(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect(t, customer42)

	f.router.Handle(context.Background(), c, []byte("{not json"))
	assert.Equal(t, apperrors.CodeBadRequest, decodePayload[domain.ErrorPayload](t, nextEvent(t, c)).Code)

	f.handle(c, frame("dance", "u1", map[string]any{}))
	env := nextEvent(t, c)
	assert.Equal(t, "u1", env.RequestID)
	assert.Equal(t, apperrors.CodeBadRequest, decodePayload[domain.ErrorPayload](t, env).Code)

	f.handle(c, frame(domain.EventAuth, "", map[string]any{"token": "again"}))
	assert.Equal(t, apperrors.CodeBadRequest, decodePayload[domain.ErrorPayload](t, nextEvent(t, c)).Code)
}

func TestRouter_RateLimited(t *testing.T) {
	f := newRouterFixture(t)
	c := newConnection(nil, customer42, "test", Config{SendBuffer: 16, EventsPerSecond: 0.001, EventBurst: 1}, discardLogger())
	require.NoError(t, f.registry.Register(c))

	f.handle(c, map[string]any{"type": domain.EventPing})
	assert.Equal(t, domain.EventPong, nextEvent(t, c).Type)

	f.handle(c, map[string]any{"type": domain.EventPing})
	assert.Equal(t, apperrors.CodeRateLimited, decodePayload[domain.ErrorPayload](t, nextEvent(t, c)).Code)
}

func TestRouter_MalformedFramesAreRateLimited(t *testing.T) {
	f := newRouterFixture(t)
	c := newConnection(nil, customer42, "test", Config{SendBuffer: 16, EventsPerSecond: 0.001, EventBurst: 1}, discardLogger())
	require.NoError(t, f.registry.Register(c))

	f.router.Handle(context.Background(), c, []byte("{not json"))
	assert.Equal(t, apperrors.CodeBadRequest, decodePayload[domain.ErrorPayload](t, nextEvent(t, c)).Code)

	f.router.Handle(context.Background(), c, []byte("{not json"))
	assert.Equal(t, apperrors.CodeRateLimited, decodePayload[domain.ErrorPayload](t, nextEvent(t, c)).Code)

	f.handle(c, map[string]any{"type": domain.EventPing})
	assert.Equal(t, apperrors.CodeRateLimited, decodePayload[domain.ErrorPayload](t, nextEvent(t, c)).Code)
}
