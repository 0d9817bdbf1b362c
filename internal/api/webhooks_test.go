package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestReceiveWebhook(t *testing.T) {
	tests := []struct {
		name           string
		path           func(f *apiFixture) string
		bearer         func(f *apiFixture) string
		contentType    string
		body           string
		expectedStatus int
		checkCreated   func(t *testing.T, f *apiFixture)
	}{
		{
			name:           "json body via path token",
			path:           func(f *apiFixture) string { return "/webhooks/" + f.channel.WebhookToken },
			contentType:    "application/json",
			body:           `{"title":"Deploy finished","message":"prod is green","priority":"high"}`,
			expectedStatus: http.StatusCreated,
			checkCreated: func(t *testing.T, f *apiFixture) {
				if len(f.notes.created) != 1 {
					t.Fatalf("expected 1 notification, got %d", len(f.notes.created))
				}
				n := f.notes.created[0]
				if n.ChannelID != f.channel.ID {
					t.Errorf("expected channel %s, got %s", f.channel.ID, n.ChannelID)
				}
				if n.Title != "Deploy finished" || n.Priority != "high" {
					t.Errorf("unexpected notification: %+v", n)
				}
				if f.notes.sources[0] != "webhook" {
					t.Errorf("expected webhook source, got %q", f.notes.sources[0])
				}
			},
		},
		{
			name:           "bearer token",
			path:           func(f *apiFixture) string { return "/webhooks" },
			bearer:         func(f *apiFixture) string { return f.channel.WebhookToken },
			contentType:    "text/plain",
			body:           "disk almost full",
			expectedStatus: http.StatusCreated,
			checkCreated: func(t *testing.T, f *apiFixture) {
				if len(f.notes.created) != 1 {
					t.Fatalf("expected 1 notification, got %d", len(f.notes.created))
				}
				if got := f.notes.created[0].Message; got != "disk almost full" {
					t.Errorf("expected raw message, got %q", got)
				}
			},
		},
		{
			name:           "missing token",
			path:           func(f *apiFixture) string { return "/webhooks" },
			body:           `{}`,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "unknown token",
			path:           func(f *apiFixture) string { return "/webhooks/" + uuid.NewString() },
			contentType:    "application/json",
			body:           `{"title":"x"}`,
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "invalid json",
			path:           func(f *apiFixture) string { return "/webhooks/" + f.channel.WebhookToken },
			contentType:    "application/json",
			body:           `{"title":`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, nil)

			headers := map[string]string{}
			if tt.contentType != "" {
				headers["Content-Type"] = tt.contentType
			}
			token := ""
			if tt.bearer != nil {
				token = tt.bearer(f)
			}

			rec := f.do(t, http.MethodPost, tt.path(f), token, strings.NewReader(tt.body), headers)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedStatus != http.StatusCreated {
				decodeProblem(t, rec)
				if len(f.notes.created) != 0 {
					t.Errorf("expected no notification, got %d", len(f.notes.created))
				}
				return
			}

			var resp WebhookResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if !resp.Success {
				t.Error("expected success=true")
			}
			if _, err := uuid.Parse(resp.NotificationID); err != nil {
				t.Errorf("expected valid UUID, got: %s", resp.NotificationID)
			}
			tt.checkCreated(t, f)
		})
	}
}

func TestReceiveWebhook_IdempotencyReplay(t *testing.T) {
	f := newAPIFixture(t, nil)
	path := "/webhooks/" + f.channel.WebhookToken
	headers := map[string]string{
		"Content-Type":    "application/json",
		"Idempotency-Key": "evt-42",
	}

	first := f.do(t, http.MethodPost, path, "", strings.NewReader(`{"title":"a"}`), headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	var firstResp WebhookResponse
	_ = json.NewDecoder(first.Body).Decode(&firstResp)

	second := f.do(t, http.MethodPost, path, "", strings.NewReader(`{"title":"a"}`), headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected X-Idempotency-Replayed header")
	}
	var secondResp WebhookResponse
	_ = json.NewDecoder(second.Body).Decode(&secondResp)

	if secondResp.NotificationID != firstResp.NotificationID {
		t.Errorf("expected replayed id %s, got %s", firstResp.NotificationID, secondResp.NotificationID)
	}
	if len(f.notes.created) != 1 {
		t.Errorf("expected 1 notification, got %d", len(f.notes.created))
	}
}

func TestReceiveWebhook_DuplicateInFlight(t *testing.T) {
	f := newAPIFixture(t, nil)
	if _, err := f.idem.CheckOrReserve(context.Background(), f.channel.ID.String(), "evt-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/webhooks/"+f.channel.WebhookToken, "",
		strings.NewReader(`{}`), map[string]string{"Idempotency-Key": "evt-1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp := decodeProblem(t, rec); resp.Type != "duplicate_request" {
		t.Errorf("expected duplicate_request, got %q", resp.Type)
	}
}

func TestReceiveWebhook_ReleasesKeyOnFailure(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.notes.err = ErrDatabaseError

	rec := f.do(t, http.MethodPost, "/webhooks/"+f.channel.WebhookToken, "",
		strings.NewReader(`{}`), map[string]string{"Idempotency-Key": "evt-9"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(f.idem.released) != 1 {
		t.Fatalf("expected key release, got %v", f.idem.released)
	}

	f.notes.err = nil
	rec = f.do(t, http.MethodPost, "/webhooks/"+f.channel.WebhookToken, "",
		strings.NewReader(`{}`), map[string]string{"Idempotency-Key": "evt-9"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected retry to succeed, got %d", rec.Code)
	}
}

func TestReceiveWebhook_RateLimited(t *testing.T) {
	limiter := &MockLimiter{limit: 1}
	f := newAPIFixture(t, limiter)
	path := "/webhooks/" + f.channel.WebhookToken

	if rec := f.do(t, http.MethodPost, path, "", strings.NewReader(`{}`), nil); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, path, "", strings.NewReader(`{}`), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if limiter.keys[0] != "webhook:"+f.channel.WebhookToken {
		t.Errorf("unexpected rate limit key %q", limiter.keys[0])
	}
	if len(f.notes.created) != 1 {
		t.Errorf("expected 1 notification, got %d", len(f.notes.created))
	}
}

func TestWebhookToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks", nil)
	req.Header.Set("Authorization", "bearer abc123")
	if got := WebhookToken(req); got != "abc123" {
		t.Errorf("expected abc123, got %q", got)
	}

	req.Header.Set("Authorization", "Basic abc123")
	if got := WebhookToken(req); got != "" {
		t.Errorf("expected no token, got %q", got)
	}
}
