package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/db"
)

// SubscribePush handles POST /v1/push/subscribe. The body is the browser's
// PushSubscription JSON.
func (h *Handler) SubscribePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var sub db.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription", "keys.p256dh and keys.auth are required")
		return
	}
	if sub.UserAgent == "" {
		sub.UserAgent = r.UserAgent()
	}

	device, err := h.repo.UpsertPushSubscription(r.Context(), userID, sub)
	if err != nil {
		h.writeServiceError(w, err, "Failed to save push subscription", zap.String("user_id", userID.String()))
		return
	}

	h.logger.Info("push subscription saved",
		zap.String("user_id", userID.String()),
		zap.String("delivery_channel_id", device.ID.String()),
	)

	h.writeJSON(w, http.StatusCreated, device)
}

// ListPushDevices handles GET /v1/push/devices
func (h *Handler) ListPushDevices(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	devices, err := h.repo.ListPushDevices(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list push devices", zap.String("user_id", userID.String()))
		return
	}
	if devices == nil {
		devices = []*db.DeliveryChannel{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  devices,
		"count": len(devices),
	})
}

// DeletePushDevice handles DELETE /v1/push/devices/{id}
func (h *Handler) DeletePushDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id", "device ID")
	if !ok {
		return
	}

	if err := h.repo.DeleteDeliveryChannel(r.Context(), userID, id); err != nil {
		h.writeServiceError(w, err, "Failed to delete push device", zap.String("delivery_channel_id", id.String()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
