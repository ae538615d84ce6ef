// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

// Package events delivers experiment exposures, conversions, and budget
// alerts to a sink in batches so hot request paths never block on event
// delivery.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mindloop/core/shared/logger"
)

// Event types emitted by the platform.
const (
	TypeExposure    = "experiment_exposure"
	TypeConversion  = "experiment_conversion"
	TypeBudgetAlert = "budget_alert"
	TypeCacheHit    = "cache_hit"
)

// Event is one analytics record.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Sink receives event batches. Implementations must tolerate being called
// from a single background goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, batch []Event) error
}

// LogSink writes each event as a structured log line. The default sink
// when no analytics backend is configured.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.New("events")
	}
	return &LogSink{log: log}
}

// WriteBatch logs every event in the batch.
func (s *LogSink) WriteBatch(_ context.Context, batch []Event) error {
	for _, e := range batch {
		s.log.Info(e.UserID, e.RequestID, "event "+e.Type, e.Payload)
	}
	return nil
}

// EmitterConfig configures a BatchingEmitter.
type EmitterConfig struct {
	// BatchSize triggers an early flush when pending events reach it.
	// Default 50.
	BatchSize int

	// FlushInterval is the periodic flush cadence. Default 5s.
	FlushInterval time.Duration

	// QueueSize bounds the intake channel. Emit drops events once the
	// queue is full rather than blocking the request path. Default 1000.
	QueueSize int

	// Logger is optional.
	Logger *logger.Logger
}

// BatchingEmitter buffers events and writes them to the sink in batches
// from a background goroutine. A failed flush keeps the batch pending and
// retries on the next cycle, bounded so a dead sink cannot grow memory
// without limit.
type BatchingEmitter struct {
	sink     Sink
	cfg      EmitterConfig
	log      *logger.Logger
	queue    chan Event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	dropped int64
}

// NewBatchingEmitter creates an emitter and starts its flush loop.
func NewBatchingEmitter(sink Sink, cfg EmitterConfig) *BatchingEmitter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("events")
	}
	e := &BatchingEmitter{
		sink:  sink,
		cfg:   cfg,
		log:   cfg.Logger,
		queue: make(chan Event, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues an event for delivery. Never blocks; when the queue is full
// the event is dropped and counted.
func (e *BatchingEmitter) Emit(eventType, userID, requestID string, payload map[string]interface{}) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		RequestID: requestID,
		Payload:   payload,
	}
	select {
	case e.queue <- event:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Dropped returns how many events were discarded because the queue was
// full.
func (e *BatchingEmitter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Shutdown stops the flush loop after a final drain. Blocks until the
// loop exits or the context expires.
func (e *BatchingEmitter) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *BatchingEmitter) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	// maxPending bounds retry accumulation when the sink is down.
	maxPending := e.cfg.BatchSize * 10
	var pending []Event

	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := e.sink.WriteBatch(ctx, pending)
		cancel()
		if err != nil {
			e.log.Warn("", "", "event batch write failed, will retry", map[string]interface{}{
				"batch_size": len(pending),
				"error":      err.Error(),
			})
			if len(pending) > maxPending {
				e.mu.Lock()
				e.dropped += int64(len(pending) - maxPending)
				e.mu.Unlock()
				pending = pending[len(pending)-maxPending:]
			}
			return
		}
		pending = pending[:0]
	}

	for {
		select {
		case event := <-e.queue:
			pending = append(pending, event)
			if len(pending) >= e.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-e.stop:
			// Drain whatever is already queued, then final flush.
			for {
				select {
				case event := <-e.queue:
					pending = append(pending, event)
				default:
					flush()
					return
				}
			}
		}
	}
}
