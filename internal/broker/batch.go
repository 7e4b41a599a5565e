package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/metrics"
)

const maxDeadLetterBatches = 1024

type batchMsg struct {
	subject string
	data    []byte
}

// pendingBatch is a group of messages awaiting (re)delivery. Attempts
// counts flush failures; nextAttempt gates backoff.
type pendingBatch struct {
	key         string
	msgs        []batchMsg
	attempts    int
	nextAttempt time.Time
}

// Batcher groups publishes by subject prefix and flushes them on a
// size or interval trigger. A failed flush keeps the unpublished tail
// and retries with exponential backoff; batches that exhaust their
// retries move to an in-memory dead letter store from which they can
// be recovered manually.
type Batcher struct {
	cfg     config.BrokerConfig
	publish func(subject string, data []byte) error

	mu          sync.Mutex
	groups      map[string][]batchMsg
	pending     []*pendingBatch
	deadLetters []*pendingBatch
	closed      bool

	flushNow chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewBatcher creates a batcher that delivers through publish. Call
// Start to begin the flush loop.
func NewBatcher(cfg config.BrokerConfig, publish func(subject string, data []byte) error) *Batcher {
	return &Batcher{
		cfg:      cfg,
		publish:  publish,
		groups:   make(map[string][]batchMsg),
		flushNow: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start spawns the flush loop.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go b.run()
}

// Close flushes everything still buffered and stops the loop.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()
}

// Add buffers a message. When its group reaches the flush size the
// group is promoted for immediate delivery.
func (b *Batcher) Add(subject string, data []byte) {
	key := GroupKey(subject)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		// Late messages bypass the batcher rather than vanish.
		if err := b.publish(subject, data); err != nil {
			slog.Warn("broker: dropped message published after batcher close", "subject", subject, "err", err)
		}
		return
	}
	b.groups[key] = append(b.groups[key], batchMsg{subject: subject, data: data})
	full := len(b.groups[key]) >= b.cfg.BatchFlushSize
	if full {
		b.promoteLocked(key)
	}
	b.mu.Unlock()

	if full {
		select {
		case b.flushNow <- struct{}{}:
		default:
		}
	}
}

// PendingCount returns buffered plus retrying message counts.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, msgs := range b.groups {
		n += len(msgs)
	}
	for _, p := range b.pending {
		n += len(p.msgs)
	}
	return n
}

// DeadLetterCount returns the number of dead-lettered batches.
func (b *Batcher) DeadLetterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deadLetters)
}

// RecoverFailedBatches re-queues every dead-lettered batch for
// delivery with a fresh retry budget. Returns the number of batches
// recovered.
func (b *Batcher) RecoverFailedBatches() int {
	b.mu.Lock()
	recovered := len(b.deadLetters)
	for _, p := range b.deadLetters {
		p.attempts = 0
		p.nextAttempt = time.Now()
		b.pending = append(b.pending, p)
	}
	b.deadLetters = nil
	b.mu.Unlock()

	if recovered > 0 {
		slog.Info("broker: recovered dead-lettered batches", "batches", recovered)
		select {
		case b.flushNow <- struct{}{}:
		default:
		}
	}
	return recovered
}

// --- flush loop ---

func (b *Batcher) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.BatchFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushDue()
		case <-b.flushNow:
			b.flushDue()
		case <-b.stop:
			b.flushDue()
			b.mu.Lock()
			remaining := len(b.pending)
			for _, msgs := range b.groups {
				remaining += len(msgs)
			}
			b.mu.Unlock()
			if remaining > 0 {
				slog.Warn("broker: batcher closed with undelivered messages", "batches", remaining)
			}
			return
		}
	}
}

// promoteLocked moves a buffered group into the pending list.
func (b *Batcher) promoteLocked(key string) {
	msgs := b.groups[key]
	if len(msgs) == 0 {
		return
	}
	delete(b.groups, key)
	b.pending = append(b.pending, &pendingBatch{
		key:         key,
		msgs:        msgs,
		nextAttempt: time.Now(),
	})
}

// flushDue promotes all buffered groups and attempts every pending
// batch whose backoff has elapsed.
func (b *Batcher) flushDue() {
	b.mu.Lock()
	for key := range b.groups {
		b.promoteLocked(key)
	}
	due := b.pending
	b.pending = nil
	b.mu.Unlock()

	now := time.Now()
	var still []*pendingBatch
	for _, batch := range due {
		if batch.nextAttempt.After(now) {
			still = append(still, batch)
			continue
		}
		if b.attempt(batch) {
			continue
		}
		if batch.attempts > b.cfg.MaxBatchRetries {
			b.deadLetter(batch)
			continue
		}
		batch.nextAttempt = time.Now().Add(b.backoff(batch.attempts))
		still = append(still, batch)
	}

	if len(still) > 0 {
		b.mu.Lock()
		b.pending = append(still, b.pending...)
		b.mu.Unlock()
	}
}

// attempt publishes the batch's messages in order. On failure the
// unpublished tail (including the failed message) stays in the batch.
func (b *Batcher) attempt(batch *pendingBatch) bool {
	for i, m := range batch.msgs {
		if err := b.publish(m.subject, m.data); err != nil {
			batch.msgs = batch.msgs[i:]
			batch.attempts++
			metrics.BrokerBatchFlushes.WithLabelValues("retried").Inc()
			slog.Warn("broker: batch flush failed",
				"group", batch.key,
				"remaining", len(batch.msgs),
				"attempts", batch.attempts,
				"err", err,
			)
			return false
		}
	}
	metrics.BrokerBatchFlushes.WithLabelValues("ok").Inc()
	return true
}

func (b *Batcher) deadLetter(batch *pendingBatch) {
	metrics.BrokerBatchFlushes.WithLabelValues("dead_letter").Inc()
	metrics.BrokerDeadLettered.Add(float64(len(batch.msgs)))
	slog.Error("broker: batch dead-lettered",
		"group", batch.key,
		"messages", len(batch.msgs),
		"attempts", batch.attempts,
	)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, batch)
	if len(b.deadLetters) > maxDeadLetterBatches {
		b.deadLetters = b.deadLetters[len(b.deadLetters)-maxDeadLetterBatches:]
	}
}

func (b *Batcher) backoff(attempts int) time.Duration {
	d := b.cfg.RetryBackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.cfg.RetryBackoffCap {
			return b.cfg.RetryBackoffCap
		}
	}
	if d > b.cfg.RetryBackoffCap {
		d = b.cfg.RetryBackoffCap
	}
	return d
}
