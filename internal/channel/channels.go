package channel

import (
	"context"
	"sync"
	"time"

	"sensorflow/logger"
	"sensorflow/models"
)

type ChannelStats struct {
	RawSent        int64
	ResultsSent    int64
	EventsSent     int64
	RawDropped     int64
	ResultsDropped int64
	EventsDropped  int64
}

// Channels bundles the buffered pipeline channels: raw reading envelopes
// from the ingestion sources, validation results for the scorer, and events
// for the alert dispatcher.
type Channels struct {
	Raw     chan models.RawReadingMessage
	Results chan models.ValidationResult
	Events  chan models.Event

	stats               ChannelStats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

func NewChannels(rawBufferSize, resultBufferSize, eventBufferSize int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		Raw:     make(chan models.RawReadingMessage, rawBufferSize),
		Results: make(chan models.ValidationResult, resultBufferSize),
		Events:  make(chan models.Event, eventBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":    rawBufferSize,
		"result_buffer_size": resultBufferSize,
		"event_buffer_size":  eventBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Raw)
	close(c.Results)
	close(c.Events)
	c.log.WithComponent("channels").Info("all channels closed")
}

// SendRaw forwards a raw reading envelope without blocking. A full channel
// drops the message and counts the drop.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawReadingMessage) bool {
	select {
	case c.Raw <- msg:
		c.incrementRawSent()
		logger.RecordChannelMessage("raw_readings", len(msg.Data))
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementRawDropped()
		return false
	}
}

// SendResult forwards a validation result without blocking.
func (c *Channels) SendResult(ctx context.Context, res models.ValidationResult) bool {
	select {
	case c.Results <- res:
		c.incrementResultsSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementResultsDropped()
		return false
	}
}

// SendEvent forwards an event envelope without blocking.
func (c *Channels) SendEvent(ctx context.Context, ev models.Event) bool {
	select {
	case c.Events <- ev:
		c.incrementEventsSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementEventsDropped()
		return false
	}
}

func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	c.log.WithComponent("channels").WithFields(logger.Fields{
		"raw_sent":        stats.RawSent,
		"results_sent":    stats.ResultsSent,
		"events_sent":     stats.EventsSent,
		"raw_dropped":     stats.RawDropped,
		"results_dropped": stats.ResultsDropped,
		"events_dropped":  stats.EventsDropped,
		"raw_len":         len(c.Raw),
		"raw_cap":         cap(c.Raw),
		"results_len":     len(c.Results),
		"results_cap":     cap(c.Results),
		"events_len":      len(c.Events),
		"events_cap":      cap(c.Events),
	}).Info("channel statistics")
}

func (c *Channels) incrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementResultsSent() {
	c.statsMutex.Lock()
	c.stats.ResultsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementEventsSent() {
	c.statsMutex.Lock()
	c.stats.EventsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementRawDropped() {
	c.statsMutex.Lock()
	c.stats.RawDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementResultsDropped() {
	c.statsMutex.Lock()
	c.stats.ResultsDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementEventsDropped() {
	c.statsMutex.Lock()
	c.stats.EventsDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
