package validator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "sensorflow/config"
	"sensorflow/internal/channel"
	"sensorflow/logger"
	"sensorflow/models"
)

// WindowAppender receives every accepted field observation. The baseline
// store implements it; tests substitute a recorder.
type WindowAppender interface {
	Append(streamID, field string, ts time.Time, value float64)
}

// Validator consumes raw reading messages, checks each against the schema,
// range bounds, staleness window, duplicate window and location constraints,
// and publishes a ValidationResult for every reading. Accepted values are
// appended to the baseline store; rejections additionally produce a
// rejection event.
//
// Routing is deterministic per stream: an intake loop hashes the stream id
// onto one of the worker queues, so readings of the same stream are always
// validated in arrival order by a single goroutine.
type Validator struct {
	config   *appconfig.Config
	schema   *Schema
	cache    *RecentReadCache
	store    WindowAppender
	channels *channel.Channels

	queues []chan models.RawReadingMessage

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	now func() time.Time
}

// NewValidator wires a validator from configuration. The compiled schema and
// the recent-read cache are owned by the validator; the store and channel
// bundle are shared.
func NewValidator(cfg *appconfig.Config, store WindowAppender, channels *channel.Channels) (*Validator, error) {
	schema, err := CompileSchema(cfg.Validator.Schema)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	workers := cfg.Validator.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	queues := make([]chan models.RawReadingMessage, workers)
	for i := range queues {
		queues[i] = make(chan models.RawReadingMessage, 256)
	}
	return &Validator{
		config:   cfg,
		schema:   schema,
		cache:    NewRecentReadCache(cfg.Validator.Cache.Shards, cfg.Validator.Cache.MaxPerShard, cfg.Validator.Cache.TTL),
		store:    store,
		channels: channels,
		queues:   queues,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		now:      time.Now,
	}, nil
}

// Cache exposes the recent-read cache for snapshotting.
func (v *Validator) Cache() *RecentReadCache {
	return v.cache
}

// Start launches the intake loop and the validation workers.
func (v *Validator) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.running {
		return fmt.Errorf("validator is already running")
	}
	v.ctx, v.cancel = context.WithCancel(ctx)
	v.running = true

	for i := range v.queues {
		v.wg.Add(1)
		go v.worker(i)
	}
	v.wg.Add(1)
	go v.intake()

	v.log.WithComponent("validator").WithFields(logger.Fields{
		"workers":      len(v.queues),
		"dedup_window": v.config.Validator.DedupWindow.String(),
		"max_age":      v.config.Validator.MaxAge.String(),
	}).Info("Validator started")
	return nil
}

// Stop drains the workers and waits for them to exit.
func (v *Validator) Stop() {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return
	}
	v.running = false
	v.cancel()
	v.mu.Unlock()

	v.wg.Wait()
	v.log.WithComponent("validator").Info("Validator stopped")
}

// intake routes raw messages onto per-worker queues keyed by stream id.
func (v *Validator) intake() {
	defer v.wg.Done()
	defer func() {
		for _, q := range v.queues {
			close(q)
		}
	}()

	for {
		select {
		case <-v.ctx.Done():
			return
		case msg, ok := <-v.channels.Raw:
			if !ok {
				return
			}
			idx := v.queueFor(streamKeyOf(msg))
			select {
			case v.queues[idx] <- msg:
			case <-v.ctx.Done():
				return
			}
		}
	}
}

// streamKeyOf extracts the routing key without a full parse. Messages with
// no recognizable stream id all land on queue 0, which is harmless: they
// will be rejected as schema violations anyway.
func streamKeyOf(msg models.RawReadingMessage) string {
	return msg.StreamID
}

func (v *Validator) queueFor(streamID string) int {
	h := fnv.New32a()
	h.Write([]byte(streamID))
	return int(h.Sum32() % uint32(len(v.queues)))
}

func (v *Validator) worker(id int) {
	defer v.wg.Done()
	log := v.log.WithComponent("validator").WithFields(logger.Fields{"worker": id})

	for msg := range v.queues[id] {
		result := v.Validate(msg)
		v.publish(result, log)
	}
}

func (v *Validator) publish(result models.ValidationResult, log *logger.Entry) {
	if !v.channels.SendResult(v.ctx, result) {
		log.Warn("Result channel full, validation result dropped")
	}

	if result.Accepted() {
		logger.IncrementReadingAccepted()
		for field, value := range result.Reading.Values {
			v.store.Append(result.Reading.StreamID, field, result.Reading.Timestamp, value)
		}
		return
	}

	logger.IncrementReadingRejected()
	log.WithFields(logger.Fields{
		"stream_id": result.Reading.StreamID,
		"tag_id":    result.Reading.TagID,
		"reason":    string(result.Reason),
		"detail":    result.Detail,
	}).Debug("Reading rejected")

	ev := models.Event{
		EventID:   uuid.New().String(),
		Type:      models.EventRejection,
		StreamID:  result.Reading.StreamID,
		Timestamp: result.CheckedAt,
		Rejection: &result,
	}
	if !v.channels.SendEvent(v.ctx, ev) {
		log.WithFields(logger.Fields{
			"stream_id": result.Reading.StreamID,
		}).Warn("Event channel full, rejection event dropped")
	}
}

// Validate runs the full check sequence against one raw message. It never
// panics: malformed input of any shape is reported as a schema violation.
func (v *Validator) Validate(msg models.RawReadingMessage) models.ValidationResult {
	now := v.now()

	reading, err := v.schema.ParseReading(msg)
	if err != nil {
		return reject(reading, models.ReasonSchemaViolation, err.Error(), now)
	}

	if _, err := v.schema.CheckRanges(reading); err != nil {
		return reject(reading, models.ReasonRangeViolation, err.Error(), now)
	}

	maxAge := v.config.Validator.MaxAge
	if maxAge > 0 && now.Sub(reading.Timestamp) > maxAge {
		detail := fmt.Sprintf("reading is %s old, limit %s", now.Sub(reading.Timestamp).Truncate(time.Millisecond), maxAge)
		return reject(reading, models.ReasonStaleTimestamp, detail, now)
	}

	if reading.TagID != "" {
		if result, rejected := v.checkTagHistory(reading, now); rejected {
			return result
		}
		v.cache.Update(reading.StreamID, reading.TagID, reading.Timestamp, reading.Location, reading.Location.Name != "")
	}

	return models.ValidationResult{
		Reading:   reading,
		Status:    models.StatusAccepted,
		Reason:    models.ReasonNone,
		CheckedAt: now,
	}
}

// checkTagHistory applies the duplicate window and the location plausibility
// check against the last accepted reading of the same tag.
func (v *Validator) checkTagHistory(reading models.Reading, now time.Time) (models.ValidationResult, bool) {
	prev, ok := v.cache.Lookup(reading.StreamID, reading.TagID, now)
	if !ok {
		return models.ValidationResult{}, false
	}

	gap := reading.Timestamp.Sub(prev.LastSeen)
	if gap < 0 {
		gap = -gap
	}

	if window := v.config.Validator.DedupWindow; window > 0 && gap <= window {
		detail := fmt.Sprintf("tag seen %s ago, window %s", gap.Truncate(time.Millisecond), window)
		return reject(reading, models.ReasonDuplicate, detail, now), true
	}

	maxSpeed := v.config.Validator.MaxSpeed
	if maxSpeed > 0 && prev.HasLocation && reading.Location.Name != "" {
		dist := reading.Location.DistanceTo(prev.Location)
		seconds := gap.Seconds()
		if (seconds == 0 && dist > 0) || (seconds > 0 && dist/seconds > maxSpeed) {
			detail := fmt.Sprintf("tag moved %.2f units in %s from '%s' to '%s'", dist, gap.Truncate(time.Millisecond), prev.Location.Name, reading.Location.Name)
			return reject(reading, models.ReasonLocationConflict, detail, now), true
		}
	}

	return models.ValidationResult{}, false
}

func reject(reading models.Reading, reason models.RejectReason, detail string, at time.Time) models.ValidationResult {
	return models.ValidationResult{
		Reading:   reading,
		Status:    models.StatusRejected,
		Reason:    reason,
		Detail:    detail,
		CheckedAt: at,
	}
}
