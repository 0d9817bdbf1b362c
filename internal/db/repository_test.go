package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

var testDB *DB

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

// runTests starts a throwaway Postgres. Without Docker the repository tests
// skip themselves and the pure tests still run.
func runTests(m *testing.M) int {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("hookbox"),
		postgres.WithUsername("hookbox"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Printf("postgres container unavailable, skipping repository tests: %v", err)
		return m.Run()
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("failed to terminate container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Printf("failed to get connection string: %v", err)
		return 1
	}

	testDB, err = New(ctx, Config{URL: connStr}, zap.NewNop())
	if err != nil {
		log.Printf("failed to connect: %v", err)
		return 1
	}
	defer testDB.Close()

	if _, _, err := Migrate(ctx, testDB.Pool(), Migrations(), zap.NewNop()); err != nil {
		log.Printf("failed to migrate: %v", err)
		return 1
	}

	return m.Run()
}

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres not available")
	}
	t.Cleanup(func() {
		_, err := testDB.Pool().Exec(context.Background(),
			`TRUNCATE TABLE notifications, channel_members, channels, user_delivery_channels CASCADE`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
	})
	return NewRepository(testDB, zap.NewNop())
}

func createTestChannel(t *testing.T, repo *Repository, owner uuid.UUID) *Channel {
	t.Helper()
	ch := &Channel{Name: "deploys", UserID: owner}
	if err := repo.CreateChannel(context.Background(), ch); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return ch
}

func TestMigrate_Idempotent(t *testing.T) {
	if testDB == nil {
		t.Skip("postgres not available")
	}

	applied, skipped, err := Migrate(context.Background(), testDB.Pool(), Migrations(), zap.NewNop())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if applied != 0 {
		t.Errorf("expected nothing applied on second run, got %d", applied)
	}
	if skipped == 0 {
		t.Error("expected at least one skipped migration")
	}
}

func TestRepository_ChannelLifecycle(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	owner := uuid.New()

	ch := createTestChannel(t, repo, owner)
	if ch.WebhookToken == "" {
		t.Fatal("expected generated webhook token")
	}
	if time.Until(ch.ExpiresAt) < 360*24*time.Hour {
		t.Errorf("expected default expiry about a year out, got %s", ch.ExpiresAt)
	}

	got, err := repo.GetChannelByWebhookToken(ctx, ch.WebhookToken)
	if err != nil {
		t.Fatalf("lookup by token: %v", err)
	}
	if got.ID != ch.ID {
		t.Errorf("expected %s, got %s", ch.ID, got.ID)
	}

	inactive := false
	if _, err := repo.UpdateChannel(ctx, ch.ID, ChannelUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := repo.GetChannelByWebhookToken(ctx, ch.WebhookToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for inactive channel, got %v", err)
	}

	if err := repo.DeleteChannel(ctx, ch.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetChannel(ctx, ch.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRepository_Members(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	owner, u1, u2 := uuid.New(), uuid.New(), uuid.New()
	ch := createTestChannel(t, repo, owner)

	if _, err := repo.AddMember(ctx, ch.ID, owner); !errors.Is(err, ErrOwnerIsMember) {
		t.Fatalf("expected ErrOwnerIsMember, got %v", err)
	}

	first, err := repo.AddMember(ctx, ch.ID, u1)
	if err != nil {
		t.Fatalf("add u1: %v", err)
	}
	again, err := repo.AddMember(ctx, ch.ID, u1)
	if err != nil {
		t.Fatalf("re-add u1: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("expected idempotent add to return existing row")
	}
	if _, err := repo.AddMember(ctx, ch.ID, u2); err != nil {
		t.Fatalf("add u2: %v", err)
	}

	members, err := repo.ListMembers(ctx, ch.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(members) != 2 || members[0].UserID != u1 || members[1].UserID != u2 {
		t.Fatalf("unexpected members: %+v", members)
	}

	channels, err := repo.ListAccessibleChannels(ctx, u2)
	if err != nil {
		t.Fatalf("accessible: %v", err)
	}
	if len(channels) != 1 {
		t.Errorf("expected member to see 1 channel, got %d", len(channels))
	}

	if err := repo.RemoveMember(ctx, ch.ID, u2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := repo.IsMember(ctx, ch.ID, u2); ok {
		t.Error("expected u2 to no longer be a member")
	}
	if err := repo.RemoveMember(ctx, ch.ID, u2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestRepository_UnreadCounts(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	owner, member, stranger := uuid.New(), uuid.New(), uuid.New()
	ch := createTestChannel(t, repo, owner)
	if _, err := repo.AddMember(ctx, ch.ID, member); err != nil {
		t.Fatalf("add member: %v", err)
	}

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		n := &Notification{ChannelID: ch.ID, Title: "build", Message: "ok"}
		if err := repo.CreateNotification(ctx, n); err != nil {
			t.Fatalf("create notification: %v", err)
		}
		ids = append(ids, n.ID)
	}
	expired := &Notification{ChannelID: ch.ID, Title: "old", Message: "gone", ExpiresAt: time.Now().Add(-time.Hour)}
	if err := repo.CreateNotification(ctx, expired); err != nil {
		t.Fatalf("create expired: %v", err)
	}

	tests := []struct {
		name   string
		userID uuid.UUID
		want   int
	}{
		{name: "owner", userID: owner, want: 3},
		{name: "member", userID: member, want: 3},
		{name: "stranger", userID: stranger, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.CountUnreadForUser(ctx, tt.userID, ch.ID)
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}

	read, err := repo.MarkRead(ctx, ids[0])
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !read.Read || read.ReadAt == nil {
		t.Fatal("expected read flag and read_at")
	}
	reread, err := repo.MarkRead(ctx, ids[0])
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if !reread.ReadAt.Equal(*read.ReadAt) {
		t.Error("expected read_at to keep its first value")
	}

	if got, _ := repo.CountUnread(ctx, []uuid.UUID{ch.ID}); got != 2 {
		t.Errorf("expected 2 unread after mark read, got %d", got)
	}

	changed, err := repo.MarkAllRead(ctx, []uuid.UUID{ch.ID})
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if changed != 2 {
		t.Errorf("expected 2 rows changed, got %d", changed)
	}
	if got, _ := repo.CountUnreadForUser(ctx, owner, ch.ID); got != 0 {
		t.Errorf("expected 0 unread, got %d", got)
	}
}

func TestRepository_ListNotifications(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	ch := createTestChannel(t, repo, uuid.New())

	for _, typ := range []string{TypeInfo, TypeError, "ERROR", "bogus"} {
		n := &Notification{ChannelID: ch.ID, Title: "t", Message: "m", Type: typ}
		if err := repo.CreateNotification(ctx, n); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	all, total, err := repo.ListNotifications(ctx, NotificationFilter{ChannelIDs: []uuid.UUID{ch.ID}}, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 4 || len(all) != 2 {
		t.Errorf("expected total 4 and page of 2, got %d and %d", total, len(all))
	}

	errorsOnly, total, err := repo.ListNotifications(ctx, NotificationFilter{
		ChannelIDs: []uuid.UUID{ch.ID},
		Type:       TypeError,
	}, 50, 0)
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	if total != 2 || len(errorsOnly) != 2 {
		t.Errorf("expected 2 error notifications, got %d", total)
	}

	if err := repo.DeleteNotification(ctx, errorsOnly[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetNotification(ctx, errorsOnly[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_PushSubscriptions(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	sub := PushSubscription{
		Endpoint: "https://push.example.com/device-1",
		Keys:     PushKeys{P256dh: "p256", Auth: "auth"},
	}

	if _, err := repo.UpsertPushSubscription(ctx, alice, PushSubscription{}); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("expected ErrInvalidSubscription, got %v", err)
	}

	first, err := repo.UpsertPushSubscription(ctx, alice, sub)
	if err != nil {
		t.Fatalf("upsert alice: %v", err)
	}
	sub.Keys.Auth = "rotated"
	second, err := repo.UpsertPushSubscription(ctx, alice, sub)
	if err != nil {
		t.Fatalf("re-upsert alice: %v", err)
	}
	if second.ID != first.ID {
		t.Error("expected same row to be updated for the same user")
	}

	if _, err := repo.UpsertPushSubscription(ctx, bob, sub); err != nil {
		t.Fatalf("upsert bob: %v", err)
	}

	aliceDevices, _ := repo.ListPushDevices(ctx, alice)
	bobDevices, _ := repo.ListPushDevices(ctx, bob)
	if len(aliceDevices) != 0 {
		t.Errorf("expected endpoint moved away from alice, got %d devices", len(aliceDevices))
	}
	if len(bobDevices) != 1 {
		t.Fatalf("expected bob to own the endpoint, got %d devices", len(bobDevices))
	}

	if _, err := repo.EnsureSocketChannel(ctx, bob); err != nil {
		t.Fatalf("ensure socket: %v", err)
	}
	if _, err := repo.EnsureSocketChannel(ctx, bob); err != nil {
		t.Fatalf("ensure socket again: %v", err)
	}
	active, err := repo.ListActiveDeliveryChannels(ctx, bob)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected push and socket channels, got %d", len(active))
	}

	if err := repo.DeleteDeliveryChannel(ctx, alice, bobDevices[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting another user's device, got %v", err)
	}
	if err := repo.DeleteDeliveryChannel(ctx, bob, bobDevices[0].ID); err != nil {
		t.Errorf("delete own device: %v", err)
	}
}

func TestRepository_ConcurrentPushEndpointTakeover(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	sub := PushSubscription{
		Endpoint: "https://push.example.com/shared-device",
		Keys:     PushKeys{P256dh: "p256", Auth: "auth"},
	}
	users := []uuid.UUID{uuid.New(), uuid.New()}

	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		errs := make([]error, len(users))
		for i, userID := range users {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = repo.UpsertPushSubscription(ctx, userID, sub)
			}()
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Fatalf("round %d: user %d registration failed: %v", round, i, err)
			}
		}

		owners := 0
		for _, userID := range users {
			devices, err := repo.ListPushDevices(ctx, userID)
			if err != nil {
				t.Fatalf("list devices: %v", err)
			}
			owners += len(devices)
		}
		if owners != 1 {
			t.Fatalf("round %d: expected the endpoint to have one owner, got %d", round, owners)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: true},
		{name: "wrapped unique violation", err: fmt.Errorf("upsert push channel: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{name: "other constraint", err: &pgconn.PgError{Code: "23503"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseTypeAndPriority(t *testing.T) {
	tests := []struct {
		in           string
		wantType     string
		wantPriority string
	}{
		{in: "", wantType: TypeInfo, wantPriority: PriorityMedium},
		{in: "Warning", wantType: TypeWarning, wantPriority: PriorityMedium},
		{in: "URGENT", wantType: TypeInfo, wantPriority: PriorityUrgent},
		{in: " low ", wantType: TypeInfo, wantPriority: PriorityLow},
	}
	for _, tt := range tests {
		if got := ParseType(tt.in); got != tt.wantType {
			t.Errorf("ParseType(%q) = %q, want %q", tt.in, got, tt.wantType)
		}
		if got := ParsePriority(tt.in); got != tt.wantPriority {
			t.Errorf("ParsePriority(%q) = %q, want %q", tt.in, got, tt.wantPriority)
		}
	}
}
