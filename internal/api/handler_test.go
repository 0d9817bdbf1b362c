package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/access"
	"github.com/lalithlochan/hookbox/internal/db"
	"github.com/lalithlochan/hookbox/internal/notify"
	"github.com/lalithlochan/hookbox/internal/redis"
)

var ErrDatabaseError = errors.New("database error")

// MockRepository is an in-memory stand-in for db.Repository
type MockRepository struct {
	mu       sync.Mutex
	channels map[uuid.UUID]*db.Channel
	members  map[uuid.UUID]map[uuid.UUID]*db.ChannelMember
	devices  map[uuid.UUID]*db.DeliveryChannel

	shouldFail bool
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		channels: make(map[uuid.UUID]*db.Channel),
		members:  make(map[uuid.UUID]map[uuid.UUID]*db.ChannelMember),
		devices:  make(map[uuid.UUID]*db.DeliveryChannel),
	}
}

func (m *MockRepository) addChannel(owner uuid.UUID, name string) *db.Channel {
	ch := &db.Channel{ID: uuid.New(), Name: name, UserID: owner, WebhookToken: uuid.NewString(), IsActive: true}
	m.mu.Lock()
	m.channels[ch.ID] = ch
	m.mu.Unlock()
	return ch
}

func (m *MockRepository) CreateChannel(ctx context.Context, ch *db.Channel) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch.ID = uuid.New()
	ch.WebhookToken = uuid.NewString()
	ch.IsActive = true
	m.channels[ch.ID] = ch
	return nil
}

func (m *MockRepository) GetChannel(ctx context.Context, id uuid.UUID) (*db.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
	}
	return ch, nil
}

func (m *MockRepository) GetChannelByWebhookToken(ctx context.Context, token string) (*db.Channel, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if ch.WebhookToken == token && ch.IsActive {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("webhook token: %w", db.ErrNotFound)
}

func (m *MockRepository) ListAccessibleChannels(ctx context.Context, userID uuid.UUID) ([]*db.ChannelSummary, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.ChannelSummary
	for _, ch := range m.channels {
		if _, member := m.members[ch.ID][userID]; ch.UserID == userID || member {
			out = append(out, &db.ChannelSummary{Channel: *ch})
		}
	}
	return out, nil
}

func (m *MockRepository) UpdateChannel(ctx context.Context, id uuid.UUID, upd db.ChannelUpdate) (*db.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
	}
	if upd.Name != nil {
		ch.Name = *upd.Name
	}
	if upd.IsActive != nil {
		ch.IsActive = *upd.IsActive
	}
	return ch, nil
}

func (m *MockRepository) DeleteChannel(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[id]; !ok {
		return fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
	}
	delete(m.channels, id)
	delete(m.members, id)
	return nil
}

func (m *MockRepository) ListMembers(ctx context.Context, channelID uuid.UUID) ([]*db.ChannelMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.ChannelMember
	for _, mem := range m.members[channelID] {
		out = append(out, mem)
	}
	return out, nil
}

func (m *MockRepository) IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[channelID][userID]
	return ok, nil
}

func (m *MockRepository) AddMember(ctx context.Context, channelID, userID uuid.UUID) (*db.ChannelMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, db.ErrNotFound)
	}
	if ch.UserID == userID {
		return nil, db.ErrOwnerIsMember
	}
	if m.members[channelID] == nil {
		m.members[channelID] = make(map[uuid.UUID]*db.ChannelMember)
	}
	mem := &db.ChannelMember{ID: uuid.New(), ChannelID: channelID, UserID: userID}
	m.members[channelID][userID] = mem
	return mem, nil
}

func (m *MockRepository) RemoveMember(ctx context.Context, channelID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[channelID][userID]; !ok {
		return fmt.Errorf("member %s: %w", userID, db.ErrNotFound)
	}
	delete(m.members[channelID], userID)
	return nil
}

func (m *MockRepository) UpsertPushSubscription(ctx context.Context, userID uuid.UUID, sub db.PushSubscription) (*db.DeliveryChannel, error) {
	if sub.Endpoint == "" {
		return nil, db.ErrInvalidSubscription
	}
	config, _ := json.Marshal(sub)
	dc := &db.DeliveryChannel{ID: uuid.New(), UserID: userID, Type: db.MechanismWebPush, Config: config, IsActive: true}
	m.mu.Lock()
	m.devices[dc.ID] = dc
	m.mu.Unlock()
	return dc, nil
}

func (m *MockRepository) ListPushDevices(ctx context.Context, userID uuid.UUID) ([]*db.DeliveryChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.DeliveryChannel
	for _, dc := range m.devices {
		if dc.UserID == userID {
			out = append(out, dc)
		}
	}
	return out, nil
}

func (m *MockRepository) DeleteDeliveryChannel(ctx context.Context, userID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dc, ok := m.devices[id]
	if !ok || dc.UserID != userID {
		return fmt.Errorf("delivery channel %s: %w", id, db.ErrNotFound)
	}
	delete(m.devices, id)
	return nil
}

// MockNotifications records calls made to the notification service
type MockNotifications struct {
	mu      sync.Mutex
	created []*db.Notification
	sources []string

	lastQuery   notify.ListQuery
	lastChannel *uuid.UUID
	deleted     []uuid.UUID
	unread      int
	summary     map[uuid.UUID]int

	err error
}

func (m *MockNotifications) Create(ctx context.Context, n *db.Notification, source string) (*db.Notification, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = uuid.New()
	m.created = append(m.created, n)
	m.sources = append(m.sources, source)
	return n, nil
}

func (m *MockNotifications) CreateForUser(ctx context.Context, userID uuid.UUID, n *db.Notification) (*db.Notification, error) {
	return m.Create(ctx, n, notify.SourceAPI)
}

func (m *MockNotifications) Get(ctx context.Context, userID, id uuid.UUID) (*db.Notification, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &db.Notification{ID: id, Title: "hello"}, nil
}

func (m *MockNotifications) List(ctx context.Context, userID uuid.UUID, q notify.ListQuery) (*notify.Page, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.lastQuery = q
	return &notify.Page{Data: []*db.Notification{}, Limit: q.Limit, Offset: q.Offset}, nil
}

func (m *MockNotifications) UnreadCount(ctx context.Context, userID uuid.UUID, channelID *uuid.UUID) (int, error) {
	m.lastChannel = channelID
	return m.unread, m.err
}

func (m *MockNotifications) UnreadSummary(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error) {
	return m.summary, m.err
}

func (m *MockNotifications) MarkRead(ctx context.Context, userID, id uuid.UUID) (*db.Notification, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &db.Notification{ID: id, Read: true}, nil
}

func (m *MockNotifications) MarkAllRead(ctx context.Context, userID uuid.UUID, channelID *uuid.UUID) (int, error) {
	m.lastChannel = channelID
	return 3, m.err
}

func (m *MockNotifications) Delete(ctx context.Context, userID, id uuid.UUID) error {
	if m.err != nil {
		return m.err
	}
	m.deleted = append(m.deleted, id)
	return nil
}

// MockIdempotency keeps reservations and results in memory
type MockIdempotency struct {
	mu       sync.Mutex
	results  map[string]*redis.IdempotencyResult
	reserved map[string]bool
	released []string
}

func NewMockIdempotency() *MockIdempotency {
	return &MockIdempotency{
		results:  make(map[string]*redis.IdempotencyResult),
		reserved: make(map[string]bool),
	}
}

func (m *MockIdempotency) CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scope + ":" + key
	if r, ok := m.results[k]; ok {
		return r, nil
	}
	if m.reserved[k] {
		return nil, redis.ErrDuplicateRequest
	}
	m.reserved[k] = true
	return nil, nil
}

func (m *MockIdempotency) Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scope + ":" + key
	delete(m.reserved, k)
	m.results[k] = result
	return nil
}

func (m *MockIdempotency) Release(ctx context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scope + ":" + key
	delete(m.reserved, k)
	m.released = append(m.released, k)
	return nil
}

// MockAuth accepts a fixed set of tokens
type MockAuth struct {
	tokens map[string]uuid.UUID
}

func (m *MockAuth) Authenticate(token string) (uuid.UUID, error) {
	if id, ok := m.tokens[token]; ok {
		return id, nil
	}
	return uuid.Nil, errors.New("invalid token")
}

type apiFixture struct {
	repo   *MockRepository
	notes  *MockNotifications
	idem   *MockIdempotency
	auth   *MockAuth
	router chi.Router

	owner, member, stranger uuid.UUID
	channel                 *db.Channel
}

func newAPIFixture(t *testing.T, limiter Limiter) *apiFixture {
	t.Helper()

	f := &apiFixture{
		repo:     NewMockRepository(),
		notes:    &MockNotifications{},
		idem:     NewMockIdempotency(),
		owner:    uuid.New(),
		member:   uuid.New(),
		stranger: uuid.New(),
	}
	f.auth = &MockAuth{tokens: map[string]uuid.UUID{
		"owner-token":    f.owner,
		"member-token":   f.member,
		"stranger-token": f.stranger,
	}}
	f.channel = f.repo.addChannel(f.owner, "deploys")
	if _, err := f.repo.AddMember(context.Background(), f.channel.ID, f.member); err != nil {
		t.Fatalf("add member: %v", err)
	}

	h := NewHandler(zap.NewNop(), f.repo, access.NewChecker(f.repo), f.notes).WithIdempotency(f.idem)
	f.router = chi.NewRouter()
	h.Mount(f.router, f.auth, limiter)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) doJSON(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	return f.do(t, method, path, token, &buf, map[string]string{"Content-Type": "application/json"})
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"forbidden", access.ErrForbidden, http.StatusForbidden},
		{"not found", fmt.Errorf("channel x: %w", db.ErrNotFound), http.StatusNotFound},
		{"owner is member", db.ErrOwnerIsMember, http.StatusConflict},
		{"invalid subscription", db.ErrInvalidSubscription, http.StatusBadRequest},
		{"unexpected", ErrDatabaseError, http.StatusInternalServerError},
	}

	h := NewHandler(zap.NewNop(), nil, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeServiceError(rec, tt.err, "Failed")
			if rec.Code != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, rec.Code)
			}
			if resp := decodeProblem(t, rec); resp.Status != tt.expected {
				t.Errorf("expected body status %d, got %d", tt.expected, resp.Status)
			}
		})
	}
}

func TestV1RequiresAuthentication(t *testing.T) {
	f := newAPIFixture(t, nil)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"unknown token", "bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/v1/channels", tt.token, nil, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if resp := decodeProblem(t, rec); resp.Type != "unauthorized" {
				t.Errorf("expected unauthorized, got %q", resp.Type)
			}
		})
	}
}
