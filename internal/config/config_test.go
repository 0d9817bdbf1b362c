package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENV", "QUEUE_BACKEND", "DISPATCH_QUEUE_URL", "DELIVERY_QUEUE_URL",
		"WORKER_CONCURRENCY", "JWT_SECRET", "WEB_PUSH_PUBLIC_KEY", "WEB_PUSH_PRIVATE_KEY",
		"WS_ALLOWED_ORIGINS", "WEBHOOK_RATE_LIMIT", "WEBHOOK_RATE_WINDOW",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.QueueBackend != QueueBackendRedis {
		t.Errorf("expected redis backend, got %q", cfg.QueueBackend)
	}
	if cfg.JWTSecret != devJWTSecret {
		t.Errorf("expected development secret, got %q", cfg.JWTSecret)
	}
	if cfg.WebhookRateWindow != time.Minute {
		t.Errorf("expected 1m window, got %v", cfg.WebhookRateWindow)
	}
	if cfg.WebPushEnabled() {
		t.Error("expected web push disabled without keys")
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("QUEUE_BACKEND", "SQS")
	t.Setenv("DISPATCH_QUEUE_URL", "https://sqs.local/dispatch")
	t.Setenv("DELIVERY_QUEUE_URL", "https://sqs.local/delivery")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com,")
	t.Setenv("WEBHOOK_RATE_WINDOW", "30s")
	t.Setenv("WEB_PUSH_PUBLIC_KEY", "pub")
	t.Setenv("WEB_PUSH_PRIVATE_KEY", "priv")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.QueueBackend != QueueBackendSQS {
		t.Errorf("expected sqs backend, got %q", cfg.QueueBackend)
	}
	if len(cfg.WSAllowedOrigins) != 2 || cfg.WSAllowedOrigins[1] != "https://admin.example.com" {
		t.Errorf("unexpected origins: %v", cfg.WSAllowedOrigins)
	}
	if cfg.WebhookRateWindow != 30*time.Second {
		t.Errorf("expected 30s window, got %v", cfg.WebhookRateWindow)
	}
	if !cfg.WebPushEnabled() {
		t.Error("expected web push enabled")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"PORT": "eighty"}},
		{"bad window", map[string]string{"WEBHOOK_RATE_WINDOW": "soon"}},
		{"unknown backend", map[string]string{"QUEUE_BACKEND": "kafka"}},
		{"sqs without urls", map[string]string{"QUEUE_BACKEND": "sqs"}},
		{"production without secret", map[string]string{"ENV": "production"}},
		{"zero concurrency", map[string]string{"WORKER_CONCURRENCY": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
