package mocks

import (
	"context"
	"time"

	"github.com/lorrc/service-desk-collab/internal/core/domain"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

// MockTicketStore is a mock implementation of ports.TicketStore
type MockTicketStore struct {
	mock.Mock
}

var _ ports.TicketStore = (*MockTicketStore)(nil)

func NewMockTicketStore() *MockTicketStore {
	return &MockTicketStore{}
}

func (m *MockTicketStore) GetAccess(ctx context.Context, ticketID domain.TicketID) (*domain.TicketAccess, error) {
	args := m.Called(ctx, ticketID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TicketAccess), args.Error(1)
}

func (m *MockTicketStore) TouchActivity(ctx context.Context, ticketID domain.TicketID, at time.Time) error {
	args := m.Called(ctx, ticketID, at)
	return args.Error(0)
}

// MockMessageStore is a mock implementation of ports.MessageStore
type MockMessageStore struct {
	mock.Mock
}

var _ ports.MessageStore = (*MockMessageStore)(nil)

func NewMockMessageStore() *MockMessageStore {
	return &MockMessageStore{}
}

func (m *MockMessageStore) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ChatMessage), args.Error(1)
}

func (m *MockMessageStore) History(ctx context.Context, q ports.HistoryQuery) ([]*domain.ChatMessage, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ChatMessage), args.Error(1)
}

func (m *MockMessageStore) MergeReadReceipt(ctx context.Context, r ports.ReadReceiptUpdate) (*domain.ReadMark, error) {
	args := m.Called(ctx, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ReadMark), args.Error(1)
}

// MockAccessGuard is a mock implementation of ports.AccessGuard
type MockAccessGuard struct {
	mock.Mock
}

var _ ports.AccessGuard = (*MockAccessGuard)(nil)

func NewMockAccessGuard() *MockAccessGuard {
	return &MockAccessGuard{}
}

func (m *MockAccessGuard) Authorize(ctx context.Context, identity domain.Identity, ticketID domain.TicketID) (*domain.TicketAccess, error) {
	args := m.Called(ctx, identity, ticketID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TicketAccess), args.Error(1)
}

// MockIdentityVerifier is a mock implementation of ports.IdentityVerifier
type MockIdentityVerifier struct {
	mock.Mock
}

var _ ports.IdentityVerifier = (*MockIdentityVerifier)(nil)

func NewMockIdentityVerifier() *MockIdentityVerifier {
	return &MockIdentityVerifier{}
}

func (m *MockIdentityVerifier) Verify(ctx context.Context, credential string) (domain.Identity, error) {
	args := m.Called(ctx, credential)
	return args.Get(0).(domain.Identity), args.Error(1)
}

// MockRealtimeHub is a mock implementation of ports.RealtimeHub
type MockRealtimeHub struct {
	mock.Mock
}

var _ ports.RealtimeHub = (*MockRealtimeHub)(nil)

func NewMockRealtimeHub() *MockRealtimeHub {
	return &MockRealtimeHub{}
}

func (m *MockRealtimeHub) BroadcastToRoom(ticketID domain.TicketID, event domain.Event, filter func(domain.Identity) bool) int {
	args := m.Called(ticketID, event, filter)
	return args.Int(0)
}

func (m *MockRealtimeHub) SendToIdentity(identityID string, event domain.Event) int {
	args := m.Called(identityID, event)
	return args.Int(0)
}

func (m *MockRealtimeHub) SendToIdentityOutside(identityID string, ticketID domain.TicketID, event domain.Event) int {
	args := m.Called(identityID, ticketID, event)
	return args.Int(0)
}

// MockOfflineNotifier is a mock implementation of ports.OfflineNotifier
type MockOfflineNotifier struct {
	mock.Mock
}

var _ ports.OfflineNotifier = (*MockOfflineNotifier)(nil)

func NewMockOfflineNotifier() *MockOfflineNotifier {
	return &MockOfflineNotifier{}
}

func (m *MockOfflineNotifier) Notify(ctx context.Context, params ports.OfflineNotification) {
	m.Called(ctx, params)
}

// MockNotificationEmitter is a mock implementation of ports.NotificationEmitter
type MockNotificationEmitter struct {
	mock.Mock
}

var _ ports.NotificationEmitter = (*MockNotificationEmitter)(nil)

func NewMockNotificationEmitter() *MockNotificationEmitter {
	return &MockNotificationEmitter{}
}

func (m *MockNotificationEmitter) EmitToRoom(ctx context.Context, ticketID domain.TicketID, n domain.OutboundNotification) int {
	args := m.Called(ctx, ticketID, n)
	return args.Int(0)
}

func (m *MockNotificationEmitter) EmitToIdentity(ctx context.Context, identityID string, n domain.OutboundNotification) int {
	args := m.Called(ctx, identityID, n)
	return args.Int(0)
}

func (m *MockNotificationEmitter) TicketUpdated(ctx context.Context, ticketID domain.TicketID, field string, value any) int {
	args := m.Called(ctx, ticketID, field, value)
	return args.Int(0)
}

func (m *MockNotificationEmitter) TicketAssigned(ctx context.Context, ticketID domain.TicketID, agentID, agentName string) int {
	args := m.Called(ctx, ticketID, agentID, agentName)
	return args.Int(0)
}

func (m *MockNotificationEmitter) AITyping(ctx context.Context, ticketID domain.TicketID, isTyping bool) int {
	args := m.Called(ctx, ticketID, isTyping)
	return args.Int(0)
}

func (m *MockNotificationEmitter) HumanTakeover(ctx context.Context, p domain.HumanTakeoverPayload, agentID string) int {
	args := m.Called(ctx, p, agentID)
	return args.Int(0)
}

func (m *MockNotificationEmitter) Notify(ctx context.Context, identityID string, p domain.NotificationPayload) int {
	args := m.Called(ctx, identityID, p)
	return args.Int(0)
}
