package broker

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mythosmud/server/internal/metrics"
)

// maxRedeliveries bounds local redelivery of an unacknowledged
// delivery before it is abandoned.
const maxRedeliveries = 3

// Delivery states. A delivery leaves pending exactly once.
const (
	deliveryPending int32 = iota
	deliveryAcked
	deliveryNaked
	deliveryExpired
)

// ackCounts aggregates acknowledgment outcomes for the stats endpoint;
// the prometheus counters carry the same numbers.
type ackCounts struct {
	ok   atomic.Int64
	late atomic.Int64
	naks atomic.Int64
}

var acks ackCounts

// Delivery is a message handed to a manual-ack subscriber. The handler
// must call Ack once processing succeeds or Nak to request immediate
// redelivery; an unacknowledged delivery is handed to the handler
// again after the visibility timeout, up to maxRedeliveries times.
type Delivery struct {
	Subject string
	Data    []byte
	Attempt int

	state atomic.Int32
	timer *time.Timer

	redeliverNow func()
}

// Ack marks the delivery processed and cancels redelivery. Acking
// after the visibility timeout already fired, or twice, counts as an
// ack failure.
func (d *Delivery) Ack() {
	if d.state.CompareAndSwap(deliveryPending, deliveryAcked) {
		if d.timer != nil {
			d.timer.Stop()
		}
		acks.ok.Add(1)
		metrics.BrokerAcks.WithLabelValues("ok").Inc()
		return
	}
	acks.late.Add(1)
	metrics.BrokerAcks.WithLabelValues("late").Inc()
}

// Nak rejects the delivery and triggers immediate redelivery, still
// bounded by maxRedeliveries.
func (d *Delivery) Nak() {
	if !d.state.CompareAndSwap(deliveryPending, deliveryNaked) {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	acks.naks.Add(1)
	metrics.BrokerNaks.Inc()
	if d.redeliverNow != nil {
		d.redeliverNow()
	}
}

// Acked reports whether Ack has been called in time.
func (d *Delivery) Acked() bool {
	return d.state.Load() == deliveryAcked
}

// ackedDelivery builds a pre-acknowledged delivery for auto-ack mode.
func ackedDelivery(subject string, data []byte) *Delivery {
	d := &Delivery{Subject: subject, Data: data, Attempt: 1}
	d.state.Store(deliveryAcked)
	return d
}

// deliver invokes the handler and schedules visibility-timeout
// redelivery until the delivery is acknowledged.
func deliver(subject string, data []byte, visibility time.Duration, handler func(*Delivery)) {
	redeliver(subject, data, visibility, handler, 1)
}

func redeliver(subject string, data []byte, visibility time.Duration, handler func(*Delivery), attempt int) {
	next := func(reason string) {
		if attempt >= maxRedeliveries {
			slog.Error("broker: delivery abandoned after redeliveries", "subject", subject, "attempts", attempt)
			return
		}
		slog.Warn("broker: redelivering message", "subject", subject, "reason", reason, "attempt", attempt+1)
		redeliver(subject, data, visibility, handler, attempt+1)
	}

	d := &Delivery{Subject: subject, Data: data, Attempt: attempt}
	d.redeliverNow = func() { next("nak") }
	d.timer = time.AfterFunc(visibility, func() {
		if !d.state.CompareAndSwap(deliveryPending, deliveryExpired) {
			return
		}
		next("visibility_timeout")
	})
	handler(d)
}
