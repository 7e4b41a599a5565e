package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mythosmud/server/internal/config"
)

// fakePublisher records publishes and fails on demand.
type fakePublisher struct {
	mu        sync.Mutex
	published []string
	failFor   map[string]int // subject -> remaining failures
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failFor: make(map[string]int)}
}

func (f *fakePublisher) publish(subject string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failFor[subject]; n != 0 {
		if n > 0 {
			f.failFor[subject] = n - 1
		}
		return errors.New("publish failed")
	}
	f.published = append(f.published, subject)
	return nil
}

func (f *fakePublisher) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published))
	copy(out, f.published)
	return out
}

func (f *fakePublisher) failNext(subject string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[subject] = times
}

func batchConfig() config.BrokerConfig {
	return config.BrokerConfig{
		BatchingEnabled:  true,
		BatchFlushSize:   3,
		BatchFlushEvery:  20 * time.Millisecond,
		MaxBatchRetries:  3,
		RetryBackoffBase: time.Millisecond,
		RetryBackoffCap:  10 * time.Millisecond,
	}
}

func TestBatcherFlushOnSize(t *testing.T) {
	pub := newFakePublisher()
	cfg := batchConfig()
	cfg.BatchFlushEvery = time.Hour // size trigger only

	b := NewBatcher(cfg, pub.publish)
	b.Start()
	t.Cleanup(b.Close)

	b.Add("chat.say.room-1", []byte(`{}`))
	b.Add("chat.say.room-2", []byte(`{}`))
	b.Add("chat.say.room-3", []byte(`{}`))

	require.Eventually(t, func() bool {
		return len(pub.got()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"chat.say.room-1", "chat.say.room-2", "chat.say.room-3"}, pub.got(),
		"messages within a batch keep their order")
}

func TestBatcherFlushOnInterval(t *testing.T) {
	pub := newFakePublisher()
	b := NewBatcher(batchConfig(), pub.publish)
	b.Start()
	t.Cleanup(b.Close)

	b.Add("events.player.hp_changed", []byte(`{}`))

	require.Eventually(t, func() bool {
		return len(pub.got()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBatcherPartialFlushKeepsTail(t *testing.T) {
	pub := newFakePublisher()
	pub.failNext("chat.say.b", 1)

	b := NewBatcher(batchConfig(), pub.publish)
	b.Start()
	t.Cleanup(b.Close)

	b.Add("chat.say.a", []byte(`{}`))
	b.Add("chat.say.b", []byte(`{}`))
	b.Add("chat.say.c", []byte(`{}`))

	require.Eventually(t, func() bool {
		return len(pub.got()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	// The head published once before the failure; the tail followed
	// on the retry. Nothing is published twice.
	assert.Equal(t, []string{"chat.say.a", "chat.say.b", "chat.say.c"}, pub.got())
}

func TestBatcherDeadLetterAndRecover(t *testing.T) {
	pub := newFakePublisher()
	pub.failNext("events.player.xp_changed", -1) // fail forever

	cfg := batchConfig()
	cfg.MaxBatchRetries = 1

	b := NewBatcher(cfg, pub.publish)
	b.Start()
	t.Cleanup(b.Close)

	b.Add("events.player.xp_changed", []byte(`{}`))

	require.Eventually(t, func() bool {
		return b.DeadLetterCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, pub.got())

	// Broker recovers; operator re-queues the dead letters.
	pub.failNext("events.player.xp_changed", 0)
	assert.Equal(t, 1, b.RecoverFailedBatches())

	require.Eventually(t, func() bool {
		return len(pub.got()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, b.DeadLetterCount())
}

func TestBatcherCloseFlushesBuffered(t *testing.T) {
	pub := newFakePublisher()
	cfg := batchConfig()
	cfg.BatchFlushEvery = time.Hour

	b := NewBatcher(cfg, pub.publish)
	b.Start()

	b.Add("events.player.hp_changed", []byte(`{}`))
	b.Close()

	assert.Len(t, pub.got(), 1, "buffered messages flush on close")
}
