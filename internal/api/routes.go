package api

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Mount registers the webhook and /v1 routes on r. limiter may be nil.
func (h *Handler) Mount(r chi.Router, authenticator Authenticator, limiter Limiter) {
	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, h.logger, WebhookKeyFunc))
		r.Post("/webhooks", h.ReceiveWebhook)
		r.Post("/webhooks/{token}", h.ReceiveWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(authenticator, h.logger.With(zap.String("component", "auth"))))

		r.Post("/channels", h.CreateChannel)
		r.Get("/channels", h.ListChannels)
		r.Get("/channels/{id}", h.GetChannel)
		r.Patch("/channels/{id}", h.UpdateChannel)
		r.Delete("/channels/{id}", h.DeleteChannel)
		r.Get("/channels/{id}/members", h.ListMembers)
		r.Post("/channels/{id}/members", h.AddMember)
		r.Delete("/channels/{id}/members/{userID}", h.RemoveMember)
		r.Post("/channels/{id}/notifications", h.CreateNotification)

		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/unread/count", h.UnreadCount)
		r.Get("/notifications/unread/summary", h.UnreadSummary)
		r.Put("/notifications/read-all", h.MarkAllRead)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Put("/notifications/{id}/read", h.MarkRead)
		r.Delete("/notifications/{id}", h.DeleteNotification)

		r.Post("/push/subscribe", h.SubscribePush)
		r.Get("/push/devices", h.ListPushDevices)
		r.Delete("/push/devices/{id}", h.DeletePushDevice)
	})
}
