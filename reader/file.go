package reader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "sensorflow/config"
	"sensorflow/internal/channel"
	"sensorflow/logger"
	"sensorflow/models"
)

// FileReader replays newline-delimited JSON readings from a file at a
// configurable rate. It is the ingest source for backfills and for local
// development against captured traffic.
type FileReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	limiter  *rate.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewFileReader(cfg *appconfig.Config, channels *channel.Channels) *FileReader {
	var limiter *rate.Limiter
	if cfg.Ingest.File.RatePerSecond > 0 {
		burst := cfg.Ingest.File.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Ingest.File.RatePerSecond), burst)
	}
	return &FileReader{
		config:   cfg,
		channels: channels,
		limiter:  limiter,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start begins replaying the configured file.
func (r *FileReader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("file reader is already running")
	}
	cfg := r.config.Ingest.File
	if !cfg.Enabled {
		return fmt.Errorf("file ingest is disabled")
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return fmt.Errorf("ingest file: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	r.wg.Add(1)
	go r.replay()

	r.log.WithComponent("file_reader").WithFields(logger.Fields{
		"path": cfg.Path,
		"rate": cfg.RatePerSecond,
		"loop": cfg.Loop,
	}).Info("File reader started")
	return nil
}

// Stop halts the replay.
func (r *FileReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.log.WithComponent("file_reader").Info("File reader stopped")
}

func (r *FileReader) replay() {
	defer r.wg.Done()

	for {
		if err := r.replayOnce(); err != nil {
			r.log.WithComponent("file_reader").WithError(err).Error("File replay failed")
			return
		}
		if !r.config.Ingest.File.Loop {
			r.log.WithComponent("file_reader").Info("File replay complete")
			return
		}
		select {
		case <-r.ctx.Done():
			return
		default:
		}
	}
}

// replayOnce streams the file line by line. Lines are forwarded untouched;
// the validator owns all well-formedness decisions, so here only the stream
// id is peeked at for routing.
func (r *FileReader) replayOnce() error {
	f, err := os.Open(r.config.Ingest.File.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lines := 0

	for scanner.Scan() {
		select {
		case <-r.ctx.Done():
			return nil
		default:
		}

		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(r.ctx); err != nil {
				return nil
			}
		}

		msg := models.RawReadingMessage{
			Source:     "file",
			StreamID:   peekStreamID(line),
			Data:       line,
			ReceivedAt: time.Now(),
		}
		if !r.channels.SendRaw(r.ctx, msg) {
			r.log.WithComponent("file_reader").Warn("Raw channel full, reading dropped")
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	r.log.WithComponent("file_reader").WithFields(logger.Fields{"lines": lines}).Debug("File pass complete")
	return nil
}

// peekStreamID extracts the routing key without validating the payload.
func peekStreamID(line []byte) string {
	var probe struct {
		StreamID string `json:"stream_id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return ""
	}
	return probe.StreamID
}
