package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/db"
	"github.com/lalithlochan/hookbox/internal/metrics"
	"github.com/lalithlochan/hookbox/internal/notify"
	"github.com/lalithlochan/hookbox/internal/redis"
	"github.com/lalithlochan/hookbox/internal/webhook"
)

// MaxWebhookBody caps the size of an incoming webhook body.
const MaxWebhookBody = 1 << 20

// WebhookResponse is returned after a webhook is ingested
type WebhookResponse struct {
	Success        bool   `json:"success"`
	NotificationID string `json:"notificationId"`
}

// WebhookToken extracts the channel token from the {token} path segment or,
// failing that, from an Authorization: Bearer header.
func WebhookToken(r *http.Request) string {
	if token := chi.URLParam(r, "token"); token != "" {
		return token
	}
	return bearerToken(r)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// ReceiveWebhook handles POST /webhooks/{token} and POST /webhooks.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := WebhookToken(r)
	if token == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing webhook token",
			"Provide the token in the URL or as a Bearer token")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Payload too large", "")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}

	ch, err := h.repo.GetChannelByWebhookToken(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Invalid webhook token",
			"No active channel matches this token")
		return
	}
	if err != nil {
		h.logger.Error("failed to resolve webhook token", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve webhook token", "")
		return
	}

	payload, err := webhook.Parse(r.Header.Get("Content-Type"), body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", err.Error())
		return
	}

	scope := ch.ID.String()
	idempotencyKey := r.Header.Get("Idempotency-Key")
	reserved := false

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cachedResult.StatusCode, WebhookResponse{
				Success:        true,
				NotificationID: cachedResult.NotificationID,
			})
			return
		} else {
			reserved = true
		}
	}

	n, err := h.notifications.Create(ctx, payload.Notification(ch.ID), notify.SourceWebhook)
	if err != nil {
		if reserved {
			if relErr := h.idempotency.Release(ctx, scope, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		h.logger.Error("failed to ingest webhook",
			zap.Error(err),
			zap.String("channel_id", scope),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create notification", "")
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{
			NotificationID: n.ID.String(),
			StatusCode:     http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, WebhookResponse{
		Success:        true,
		NotificationID: n.ID.String(),
	})
}
