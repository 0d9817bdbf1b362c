package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/access"
	"github.com/lalithlochan/hookbox/internal/db"
)

// ChannelRequest is the body of channel create and update requests.
type ChannelRequest struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	IsActive    *bool           `json:"is_active"`
	Settings    json.RawMessage `json:"settings"`
}

// CreateChannel handles POST /v1/channels
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "name is required")
		return
	}
	if req.Settings != nil && !json.Valid(req.Settings) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid settings", "settings must be valid JSON")
		return
	}

	ch := &db.Channel{
		Name:        strings.TrimSpace(*req.Name),
		Description: req.Description,
		UserID:      userID,
		Settings:    req.Settings,
	}
	if err := h.repo.CreateChannel(r.Context(), ch); err != nil {
		h.writeServiceError(w, err, "Failed to create channel", zap.String("user_id", userID.String()))
		return
	}

	h.writeJSON(w, http.StatusCreated, ch)
}

// ListChannels handles GET /v1/channels
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	channels, err := h.repo.ListAccessibleChannels(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list channels", zap.String("user_id", userID.String()))
		return
	}
	if channels == nil {
		channels = []*db.ChannelSummary{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  channels,
		"count": len(channels),
	})
}

// GetChannel handles GET /v1/channels/{id}
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	channelID, ok := h.uuidParam(w, r, "id", "channel ID")
	if !ok {
		return
	}

	ch, _, err := h.access.Check(r.Context(), channelID, userID, access.LevelMember)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get channel", zap.String("channel_id", channelID.String()))
		return
	}

	h.writeJSON(w, http.StatusOK, ch)
}

// UpdateChannel handles PATCH /v1/channels/{id}
func (h *Handler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	channelID, ok := h.uuidParam(w, r, "id", "channel ID")
	if !ok {
		return
	}

	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid name", "name cannot be empty")
		return
	}
	if req.Settings != nil && !json.Valid(req.Settings) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid settings", "settings must be valid JSON")
		return
	}

	ctx := r.Context()
	if _, _, err := h.access.Check(ctx, channelID, userID, access.LevelOwner); err != nil {
		h.writeServiceError(w, err, "Failed to update channel", zap.String("channel_id", channelID.String()))
		return
	}

	ch, err := h.repo.UpdateChannel(ctx, channelID, db.ChannelUpdate{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
		Settings:    req.Settings,
	})
	if err != nil {
		h.writeServiceError(w, err, "Failed to update channel", zap.String("channel_id", channelID.String()))
		return
	}

	h.writeJSON(w, http.StatusOK, ch)
}

// DeleteChannel handles DELETE /v1/channels/{id}
func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	channelID, ok := h.uuidParam(w, r, "id", "channel ID")
	if !ok {
		return
	}

	ctx := r.Context()
	if _, _, err := h.access.Check(ctx, channelID, userID, access.LevelOwner); err != nil {
		h.writeServiceError(w, err, "Failed to delete channel", zap.String("channel_id", channelID.String()))
		return
	}
	if err := h.repo.DeleteChannel(ctx, channelID); err != nil {
		h.writeServiceError(w, err, "Failed to delete channel", zap.String("channel_id", channelID.String()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMembers handles GET /v1/channels/{id}/members
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	channelID, ok := h.uuidParam(w, r, "id", "channel ID")
	if !ok {
		return
	}

	ctx := r.Context()
	ch, _, err := h.access.Check(ctx, channelID, userID, access.LevelMember)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list members", zap.String("channel_id", channelID.String()))
		return
	}

	members, err := h.repo.ListMembers(ctx, channelID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list members", zap.String("channel_id", channelID.String()))
		return
	}
	if members == nil {
		members = []*db.ChannelMember{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"owner_id": ch.UserID,
		"data":     members,
		"count":    len(members),
	})
}

// AddMember handles POST /v1/channels/{id}/members
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	channelID, ok := h.uuidParam(w, r, "id", "channel ID")
	if !ok {
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	memberID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	ctx := r.Context()
	if _, _, err := h.access.Check(ctx, channelID, userID, access.LevelOwner); err != nil {
		h.writeServiceError(w, err, "Failed to add member", zap.String("channel_id", channelID.String()))
		return
	}

	member, err := h.repo.AddMember(ctx, channelID, memberID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to add member",
			zap.String("channel_id", channelID.String()),
			zap.String("member_id", memberID.String()),
		)
		return
	}

	h.writeJSON(w, http.StatusCreated, member)
}

// RemoveMember handles DELETE /v1/channels/{id}/members/{userID}. The owner
// may remove anyone but themselves; a member may only remove themselves.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	channelID, ok := h.uuidParam(w, r, "id", "channel ID")
	if !ok {
		return
	}
	memberID, ok := h.uuidParam(w, r, "userID", "user ID")
	if !ok {
		return
	}

	ctx := r.Context()
	ch, level, err := h.access.Check(ctx, channelID, userID, access.LevelMember)
	if err != nil {
		h.writeServiceError(w, err, "Failed to remove member", zap.String("channel_id", channelID.String()))
		return
	}
	if memberID == ch.UserID {
		h.writeError(w, http.StatusConflict, "conflict", "Owner cannot leave", "The channel owner cannot be removed")
		return
	}
	if level != access.LevelOwner && memberID != userID {
		h.writeError(w, http.StatusForbidden, "forbidden", "Access denied", "Only the channel owner can remove other members")
		return
	}

	if err := h.repo.RemoveMember(ctx, channelID, memberID); err != nil {
		h.writeServiceError(w, err, "Failed to remove member",
			zap.String("channel_id", channelID.String()),
			zap.String("member_id", memberID.String()),
		)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
