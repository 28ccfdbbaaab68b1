package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agnt-platform/internal/config"
	"agnt-platform/internal/events"
)

func fixed(v float64) Chance { return func() float64 { return v } }

func TestPolicyBranches(t *testing.T) {
	long := strings.Repeat("x", 120)

	published := NewPolicy(config.FeedConfig{Probability: 0.3, MinRunes: 100, MaxRunes: 500}, WithChance(fixed(0.1)))
	assert.True(t, published.ShouldPublish(long))
	assert.False(t, published.ShouldPublish(strings.Repeat("x", 100)), "exactly the threshold is not enough")

	skipped := NewPolicy(config.FeedConfig{Probability: 0.3, MinRunes: 100, MaxRunes: 500}, WithChance(fixed(0.3)))
	assert.False(t, skipped.ShouldPublish(long))
}

func TestPolicyShortTextDoesNotDrawChance(t *testing.T) {
	drawn := 0
	p := NewPolicy(config.FeedConfig{}, WithChance(func() float64 { drawn++; return 0 }))
	assert.False(t, p.ShouldPublish("short"))
	assert.Zero(t, drawn)
	assert.Equal(t, DefaultProbability, p.Probability)
	assert.Equal(t, DefaultMinRunes, p.MinRunes)
}

func TestExcerptCountsRunes(t *testing.T) {
	p := NewPolicy(config.FeedConfig{MaxRunes: 3})
	assert.Equal(t, "价格上", p.Excerpt("价格上涨了"))
	assert.Equal(t, "ab", p.Excerpt("ab"))
}

type stubFollowers struct {
	ids []int64
	err error
}

func (s *stubFollowers) Followers(context.Context, string) ([]int64, error) { return s.ids, s.err }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []int64
	fail int64
}

func (n *recordingNotifier) NotifyFollower(_ context.Context, userID int64, _ events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, userID)
	if userID == n.fail {
		return errors.New("blocked")
	}
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func TestHandleFansOutToFollowers(t *testing.T) {
	notifier := &recordingNotifier{fail: 2}
	w := NewWorker(nil, &stubFollowers{ids: []int64{1, 2, 3}}, notifier)

	err := w.Handle(context.Background(), events.Event{Type: events.TypeFeedPublished, FeedID: 9, AgentID: "ag_1"})
	require.NoError(t, err, "individual delivery failures are not redelivered")
	assert.Equal(t, []int64{1, 2, 3}, notifier.sent)

	require.NoError(t, w.Handle(context.Background(), events.Event{Type: "other"}))
	assert.Len(t, notifier.sent, 3)
}

func TestHandleReturnsFollowerLookupError(t *testing.T) {
	w := NewWorker(nil, &stubFollowers{err: errors.New("db down")}, &recordingNotifier{})
	err := w.Handle(context.Background(), events.Event{Type: events.TypeFeedPublished, AgentID: "ag_1"})
	require.ErrorContains(t, err, "db down")
}

func TestStartConsumesFromBus(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := events.NewMemoryBus(4)
	notifier := &recordingNotifier{}
	w := NewWorker(bus, &stubFollowers{ids: []int64{7, 8}}, notifier, WithWorkerCount(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.NoError(t, bus.Publish(context.Background(), events.Event{Type: events.TypeFeedPublished, FeedID: 1, AgentID: "ag_1"}))
	require.Eventually(t, func() bool { return notifier.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, bus.Close())
}

func TestStartRequiresConsumer(t *testing.T) {
	err := NewWorker(nil, nil, nil).Start(context.Background())
	require.Error(t, err)
}
