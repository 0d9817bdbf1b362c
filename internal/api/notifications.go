package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/db"
	"github.com/lalithlochan/hookbox/internal/notify"
)

// NotificationRequest represents the body of POST /v1/channels/{id}/notifications
type NotificationRequest struct {
	Title    string          `json:"title"`
	Message  string          `json:"message"`
	Type     string          `json:"type"`
	Priority string          `json:"priority"`
	Metadata json.RawMessage `json:"metadata"`
}

// CreateNotification handles POST /v1/channels/{id}/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	channelID, ok := h.uuidParam(w, r, "id", "channel ID")
	if !ok {
		return
	}

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Message) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "title and message are required")
		return
	}
	if req.Metadata != nil && !json.Valid(req.Metadata) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid metadata", "metadata must be valid JSON")
		return
	}

	n, err := h.notifications.CreateForUser(r.Context(), userID, &db.Notification{
		ChannelID: channelID,
		Title:     req.Title,
		Message:   req.Message,
		Type:      db.ParseType(req.Type),
		Priority:  db.ParsePriority(req.Priority),
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, err, "Failed to create notification", zap.String("channel_id", channelID.String()))
		return
	}

	h.writeJSON(w, http.StatusCreated, n)
}

// ListNotifications handles GET /v1/notifications?channel_id=&type=&priority=&read=&limit=&offset=
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	channelID, ok := h.optionalUUIDQuery(w, r, "channel_id")
	if !ok {
		return
	}

	q := notify.ListQuery{
		ChannelID: channelID,
		Type:      r.URL.Query().Get("type"),
		Priority:  r.URL.Query().Get("priority"),
		Limit:     queryInt(r, "limit", notify.DefaultLimit),
		Offset:    queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("read"); raw != "" {
		read, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid read", "read must be true or false")
			return
		}
		q.Read = &read
	}

	page, err := h.notifications.List(r.Context(), userID, q)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list notifications", zap.String("user_id", userID.String()))
		return
	}

	h.writeJSON(w, http.StatusOK, page)
}

// UnreadCount handles GET /v1/notifications/unread/count?channel_id=
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	channelID, ok := h.optionalUUIDQuery(w, r, "channel_id")
	if !ok {
		return
	}

	count, err := h.notifications.UnreadCount(r.Context(), userID, channelID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to count unread notifications", zap.String("user_id", userID.String()))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// UnreadSummary handles GET /v1/notifications/unread/summary
func (h *Handler) UnreadSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	counts, err := h.notifications.UnreadSummary(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to summarize unread notifications", zap.String("user_id", userID.String()))
		return
	}

	total := 0
	channels := make(map[string]int, len(counts))
	for id, c := range counts {
		channels[id.String()] = c
		total += c
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"channels": channels,
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id", "notification ID")
	if !ok {
		return
	}

	n, err := h.notifications.Get(r.Context(), userID, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get notification", zap.String("notification_id", id.String()))
		return
	}

	h.writeJSON(w, http.StatusOK, n)
}

// MarkRead handles PUT /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id", "notification ID")
	if !ok {
		return
	}

	n, err := h.notifications.MarkRead(r.Context(), userID, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to mark notification read", zap.String("notification_id", id.String()))
		return
	}

	h.writeJSON(w, http.StatusOK, n)
}

// MarkAllRead handles PUT /v1/notifications/read-all?channel_id=
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	channelID, ok := h.optionalUUIDQuery(w, r, "channel_id")
	if !ok {
		return
	}

	count, err := h.notifications.MarkAllRead(r.Context(), userID, channelID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to mark notifications read", zap.String("user_id", userID.String()))
		return
	}

	h.logger.Info("notifications marked read",
		zap.String("user_id", userID.String()),
		zap.Int("count", count),
	)

	h.writeJSON(w, http.StatusOK, map[string]int{"updated": count})
}

// DeleteNotification handles DELETE /v1/notifications/{id}
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id", "notification ID")
	if !ok {
		return
	}

	if err := h.notifications.Delete(r.Context(), userID, id); err != nil {
		h.writeServiceError(w, err, "Failed to delete notification", zap.String("notification_id", id.String()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
