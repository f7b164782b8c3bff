package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"therapy-booking/pkg"
)

func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestService(opts ...Option) *Service {
	opts = append([]Option{WithClock(steppingClock())}, opts...)
	return NewService(NewMemoryStore(), NewHub(4), zerolog.Nop(), opts...)
}

func TestPublishAndList_MostRecentFirst(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	first, err := svc.Publish(ctx, pkg.RoleUser, "alice", "Appointment Scheduled", "one")
	require.NoError(t, err)
	second, err := svc.Publish(ctx, pkg.RoleUser, "alice", "Therapist Joined", "two")
	require.NoError(t, err)
	_, err = svc.Publish(ctx, pkg.RoleUser, "bob", "Other", "three")
	require.NoError(t, err)
	_, err = svc.Publish(ctx, pkg.RoleTherapist, "alice", "Same name, other role", "four")
	require.NoError(t, err)

	list, err := svc.List(ctx, pkg.RoleUser, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID)
	require.Equal(t, first.ID, list[1].ID)
	require.False(t, list[0].IsRead)
	require.Equal(t, "alice", list[0].RecipientName)
}

func TestList_EmptyIsNotNil(t *testing.T) {
	svc := newTestService()
	list, err := svc.List(context.Background(), pkg.RoleUser, "nobody")
	require.NoError(t, err)
	require.NotNil(t, list)
	require.Empty(t, list)
}

func TestAcknowledge_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	n, err := svc.Publish(ctx, pkg.RoleUser, "alice", "Session Ended", "done")
	require.NoError(t, err)

	require.NoError(t, svc.Acknowledge(ctx, n.ID))
	require.NoError(t, svc.Acknowledge(ctx, n.ID))

	list, err := svc.List(ctx, pkg.RoleUser, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].IsRead)
}

func TestAcknowledge_UnknownID(t *testing.T) {
	svc := newTestService()
	err := svc.Acknowledge(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPublish_PushesToHubSubscribers(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	ch, cancel := svc.Hub().Subscribe(pkg.RoleUser, "alice")
	defer cancel()
	other, cancelOther := svc.Hub().Subscribe(pkg.RoleUser, "bob")
	defer cancelOther()

	n, err := svc.Publish(ctx, pkg.RoleUser, "alice", "Therapist Joined", "hi")
	require.NoError(t, err)

	select {
	case got := <-ch:
		require.Equal(t, n.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive notification")
	}
	select {
	case got := <-other:
		t.Fatalf("unexpected delivery to bob: %+v", got)
	default:
	}
}

func TestHub_FullSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(1)
	_, cancel := hub.Subscribe(pkg.RoleUser, "alice")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(pkg.Notification{RecipientRole: pkg.RoleUser, RecipientName: "alice"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHub_CancelRemovesSubscriber(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe(pkg.RoleTherapist, "All Therapists")
	require.Equal(t, 1, hub.Subscribers(pkg.RoleTherapist, "All Therapists"))

	cancel()
	cancel()
	require.Equal(t, 0, hub.Subscribers(pkg.RoleTherapist, "All Therapists"))
	_, ok := <-ch
	require.False(t, ok)
}

type recordingSignaler struct {
	mu  sync.Mutex
	ids []string
	out chan string
}

func (r *recordingSignaler) Notify(_ context.Context, id string) error {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	r.out <- id
	return nil
}

func TestPublish_WithSignalerDeliversThroughRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := &recordingSignaler{out: make(chan string, 4)}
	svc := newTestService(WithSignaler(sig))

	ch, unsubscribe := svc.Hub().Subscribe(pkg.RoleUser, "alice")
	defer unsubscribe()

	relayDone := make(chan error, 1)
	go func() { relayDone <- svc.Relay(ctx, sig.out) }()

	n, err := svc.Publish(ctx, pkg.RoleUser, "alice", "Session Ended", "bye")
	require.NoError(t, err)

	select {
	case got := <-ch:
		require.Equal(t, n.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("relay did not deliver notification")
	}

	cancel()
	require.NoError(t, <-relayDone)
}

func TestNewRedisStore_RequiresClient(t *testing.T) {
	_, err := NewRedisStore(nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRedisStore_Keys(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	s, err := NewRedisStore(client, WithKeyPrefix("clinic"))
	require.NoError(t, err)
	require.Equal(t, "clinic:notification:n1", s.itemKey("n1"))
	require.Equal(t, "clinic:inbox:user:alice", s.inboxKey(pkg.RoleUser, "alice"))
}
