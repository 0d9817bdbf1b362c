package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/access"
	"github.com/lalithlochan/hookbox/internal/auth"
	"github.com/lalithlochan/hookbox/internal/db"
	"github.com/lalithlochan/hookbox/internal/notify"
	"github.com/lalithlochan/hookbox/internal/redis"
)

// Repository defines the channel, membership and device operations the API
// performs directly against storage.
type Repository interface {
	CreateChannel(ctx context.Context, ch *db.Channel) error
	GetChannelByWebhookToken(ctx context.Context, token string) (*db.Channel, error)
	ListAccessibleChannels(ctx context.Context, userID uuid.UUID) ([]*db.ChannelSummary, error)
	UpdateChannel(ctx context.Context, id uuid.UUID, upd db.ChannelUpdate) (*db.Channel, error)
	DeleteChannel(ctx context.Context, id uuid.UUID) error

	ListMembers(ctx context.Context, channelID uuid.UUID) ([]*db.ChannelMember, error)
	AddMember(ctx context.Context, channelID, userID uuid.UUID) (*db.ChannelMember, error)
	RemoveMember(ctx context.Context, channelID, userID uuid.UUID) error

	UpsertPushSubscription(ctx context.Context, userID uuid.UUID, sub db.PushSubscription) (*db.DeliveryChannel, error)
	ListPushDevices(ctx context.Context, userID uuid.UUID) ([]*db.DeliveryChannel, error)
	DeleteDeliveryChannel(ctx context.Context, userID, id uuid.UUID) error
}

type AccessChecker interface {
	Check(ctx context.Context, channelID, userID uuid.UUID, min access.Level) (*db.Channel, access.Level, error)
}

// Notifications is the notification lifecycle, implemented by notify.Service.
type Notifications interface {
	Create(ctx context.Context, n *db.Notification, source string) (*db.Notification, error)
	CreateForUser(ctx context.Context, userID uuid.UUID, n *db.Notification) (*db.Notification, error)
	Get(ctx context.Context, userID, id uuid.UUID) (*db.Notification, error)
	List(ctx context.Context, userID uuid.UUID, q notify.ListQuery) (*notify.Page, error)
	UnreadCount(ctx context.Context, userID uuid.UUID, channelID *uuid.UUID) (int, error)
	UnreadSummary(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) (*db.Notification, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID, channelID *uuid.UUID) (int, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
}

type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, idempotencyKey string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, idempotencyKey string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, scope, idempotencyKey string) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	repo          Repository
	access        AccessChecker
	notifications Notifications
	idempotency   Idempotency // nil if Redis not configured
}

func NewHandler(logger *zap.Logger, repo Repository, checker AccessChecker, notifications Notifications) *Handler {
	return &Handler{
		logger:        logger,
		repo:          repo,
		access:        checker,
		notifications: notifications,
	}
}

// WithIdempotency enables Idempotency-Key replay on webhook ingestion.
func (h *Handler) WithIdempotency(idempotency Idempotency) *Handler {
	h.idempotency = idempotency
	return h
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userID returns the authenticated caller. The auth middleware guarantees
// one is present on /v1 routes.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := auth.UserIDFromContext(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+label, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// optionalUUIDQuery parses an optional UUID query parameter.
func (h *Handler) optionalUUIDQuery(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be a valid UUID")
		return nil, false
	}
	return &id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil {
		return v
	}
	return fallback
}

// writeServiceError maps domain errors onto problem responses. Anything it
// does not recognise is logged and reported as a 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string, fields ...zap.Field) {
	switch {
	case errors.Is(err, access.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden", "Access denied", "You do not have access to this channel")
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Not found", err.Error())
	case errors.Is(err, db.ErrOwnerIsMember):
		h.writeError(w, http.StatusConflict, "conflict", "Owner cannot be a member", err.Error())
	case errors.Is(err, db.ErrInvalidSubscription):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription", err.Error())
	default:
		h.logger.Error(title, append(fields, zap.Error(err))...)
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
