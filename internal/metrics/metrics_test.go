package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTaskProcessed(t *testing.T) {
	before := testutil.ToFloat64(tasksProcessed.WithLabelValues("dispatch", "retried"))

	RecordTaskProcessed("dispatch", "retried")
	RecordTaskProcessed("dispatch", "retried")

	after := testutil.ToFloat64(tasksProcessed.WithLabelValues("dispatch", "retried"))
	if after-before != 2 {
		t.Errorf("expected counter to grow by 2, got %v", after-before)
	}
}

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(deliveries.WithLabelValues("WEB_PUSH", "failed"))
	RecordDelivery("WEB_PUSH", "failed")
	if got := testutil.ToFloat64(deliveries.WithLabelValues("WEB_PUSH", "failed")); got-before != 1 {
		t.Errorf("expected one failed push, got %v", got-before)
	}
}

func TestRecordEventEmitted(t *testing.T) {
	before := testutil.ToFloat64(eventsEmitted.WithLabelValues("notification:new"))
	RecordEventEmitted("notification:new", 3)
	if got := testutil.ToFloat64(eventsEmitted.WithLabelValues("notification:new")); got-before != 3 {
		t.Errorf("expected 3 recipients counted, got %v", got-before)
	}
}

func TestGauges(t *testing.T) {
	SetLiveConnections(4)
	SetLiveRooms(2)
	SetQueueDepth("delivery", 7)

	if got := testutil.ToFloat64(liveConnections); got != 4 {
		t.Errorf("expected 4 connections, got %v", got)
	}
	if got := testutil.ToFloat64(liveRooms); got != 2 {
		t.Errorf("expected 2 rooms, got %v", got)
	}
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("delivery")); got != 7 {
		t.Errorf("expected depth 7, got %v", got)
	}
}

func TestRecordMisc(t *testing.T) {
	RecordNotificationCreated("webhook")
	RecordTaskLatency("delivery", 120*time.Millisecond)
	RecordEventDropped("notification:new")
	RecordIdempotencyHit()
	RecordRateLimitRejection("webhook")
	SetDBConnections(10)
	SetRedisConnections(5)
}

func TestHandler(t *testing.T) {
	RecordNotificationCreated("api")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hookbox_notifications_created_total") {
		t.Error("expected hookbox metrics in exposition")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/webhooks/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/webhooks/{token}", "201"))

	req := httptest.NewRequest("POST", "/webhooks/secret-token", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/webhooks/{token}", "201"))
	if after-before != 1 {
		t.Errorf("expected request counted under the route pattern, got delta %v", after-before)
	}
}

func TestMiddleware_Unmatched(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/nowhere", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	_, _ = rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}
