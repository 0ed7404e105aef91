package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	appconfig "sensorflow/config"
	"sensorflow/internal/channel"
	"sensorflow/logger"
	"sensorflow/models"
)

// Dispatcher fans events out to every registered sink with at-least-once
// semantics. Failed deliveries are retried through a bounded queue; when the
// queue overflows the oldest pending event is shed so fresh alerts keep
// flowing. Each sink sits behind its own circuit breaker so one dead
// destination cannot stall the rest.
type Dispatcher struct {
	config   *appconfig.Config
	channels *channel.Channels
	sinks    []Sink
	breakers map[string]*gobreaker.CircuitBreaker

	retryQueue chan models.Event

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewDispatcher wires a dispatcher over the given sinks. At least one sink
// is required.
func NewDispatcher(cfg *appconfig.Config, channels *channel.Channels, sinks ...Sink) (*Dispatcher, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("dispatcher requires at least one sink")
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(sinks))
	log := logger.GetLogger()
	for _, sink := range sinks {
		name := sink.Name()
		threshold := cfg.Dispatcher.Breaker.FailureThreshold
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.Dispatcher.Breaker.HalfOpenMaxRequests,
			Timeout:     cfg.Dispatcher.Breaker.RecoveryTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithComponent("dispatcher").WithFields(logger.Fields{
					"sink": name,
					"from": from.String(),
					"to":   to.String(),
				}).Warn("Sink circuit breaker state changed")
			},
		})
	}

	return &Dispatcher{
		config:     cfg,
		channels:   channels,
		sinks:      sinks,
		breakers:   breakers,
		retryQueue: make(chan models.Event, cfg.Dispatcher.QueueSize),
		wg:         &sync.WaitGroup{},
		log:        log,
	}, nil
}

// Start launches the delivery and retry loops.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("dispatcher is already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true

	d.wg.Add(2)
	go d.consume()
	go d.retryLoop()

	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"sinks":        names,
		"queue_size":   d.config.Dispatcher.QueueSize,
		"max_attempts": d.config.Dispatcher.MaxAttempts,
	}).Info("Dispatcher started")
	return nil
}

// Stop halts both loops. Events still queued for retry are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.log.WithComponent("dispatcher").Info("Dispatcher stopped")
}

func (d *Dispatcher) consume() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.channels.Events:
			if !ok {
				return
			}
			d.Deliver(event)
		}
	}
}

func (d *Dispatcher) retryLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case event := <-d.retryQueue:
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(d.config.Dispatcher.RetryDelay):
			}
			logger.IncrementSinkRetry()
			d.Deliver(event)
		}
	}
}

// Deliver attempts the event on every sink. One failed sink requeues the
// whole event, so a later attempt may redeliver to sinks that already
// succeeded.
func (d *Dispatcher) Deliver(event models.Event) {
	event.Attempts++
	failed := false

	for _, sink := range d.sinks {
		if err := d.emit(sink, event); err != nil {
			failed = true
			d.log.WithComponent("dispatcher").WithError(err).WithFields(logger.Fields{
				"sink":     sink.Name(),
				"event_id": event.EventID,
				"attempt":  event.Attempts,
			}).Warn("Sink emit failed")
		} else {
			logger.IncrementSinkEmit()
		}
	}

	if !failed {
		return
	}
	if event.Attempts >= d.config.Dispatcher.MaxAttempts {
		d.log.WithComponent("dispatcher").WithFields(logger.Fields{
			"event_id": event.EventID,
			"attempts": event.Attempts,
		}).Error("Event dropped after exhausting delivery attempts")
		return
	}
	d.requeue(event)
}

func (d *Dispatcher) emit(sink Sink, event models.Event) error {
	breaker := d.breakers[sink.Name()]
	_, err := breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(d.ctx, d.config.Dispatcher.EmitTimeout)
		defer cancel()
		return nil, sink.Emit(ctx, event)
	})
	return err
}

// requeue pushes an event onto the retry queue, shedding the oldest pending
// event when the queue is full.
func (d *Dispatcher) requeue(event models.Event) {
	for {
		select {
		case d.retryQueue <- event:
			return
		default:
		}

		select {
		case shed := <-d.retryQueue:
			logger.IncrementSinkShed()
			d.log.WithComponent("dispatcher").WithFields(logger.Fields{
				"event_id": shed.EventID,
			}).Warn("Retry queue full, oldest pending event shed")
		default:
		}
	}
}

// QueueDepth reports the number of events waiting for retry.
func (d *Dispatcher) QueueDepth() int {
	return len(d.retryQueue)
}
