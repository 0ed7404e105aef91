package reader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "sensorflow/config"
	"sensorflow/internal/channel"
	"sensorflow/logger"
	"sensorflow/models"
)

// WebsocketReader consumes readings from a websocket gateway and forwards
// every text message as a raw reading. Connection loss triggers reconnects
// with exponential backoff capped at the configured maximum delay.
type WebsocketReader struct {
	config   *appconfig.Config
	channels *channel.Channels

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewWebsocketReader(cfg *appconfig.Config, channels *channel.Channels) *WebsocketReader {
	return &WebsocketReader{
		config:   cfg,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start connects to the gateway and begins forwarding messages.
func (r *WebsocketReader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("websocket reader is already running")
	}
	cfg := r.config.Ingest.Websocket
	if !cfg.Enabled {
		return fmt.Errorf("websocket ingest is disabled")
	}
	if cfg.URL == "" {
		return fmt.Errorf("websocket url not configured")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	r.wg.Add(1)
	go r.run()

	r.log.WithComponent("websocket_reader").WithFields(logger.Fields{
		"url": cfg.URL,
	}).Info("Websocket reader started")
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (r *WebsocketReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.log.WithComponent("websocket_reader").Info("Websocket reader stopped")
}

// run reconnects forever with capped exponential backoff. A connection that
// stayed up resets the backoff to the configured base delay.
func (r *WebsocketReader) run() {
	defer r.wg.Done()

	cfg := r.config.Ingest.Websocket
	delay := cfg.ReconnectDelay
	log := r.log.WithComponent("websocket_reader")

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		start := time.Now()
		if err := r.readConnection(); err != nil {
			log.WithError(err).Warn("Websocket connection lost")
		}

		select {
		case <-r.ctx.Done():
			return
		default:
		}

		if time.Since(start) > delay {
			delay = cfg.ReconnectDelay
		}
		log.WithFields(logger.Fields{"delay": delay.String()}).Info("Reconnecting to websocket gateway")
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.MaxReconnect {
			delay = cfg.MaxReconnect
		}
	}
}

// readConnection dials, optionally subscribes, and pumps messages until the
// connection breaks or the reader stops.
func (r *WebsocketReader) readConnection() error {
	cfg := r.config.Ingest.Websocket
	log := r.log.WithComponent("websocket_reader")

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(r.ctx, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	defer conn.Close()

	if cfg.ReadLimitBytes > 0 {
		conn.SetReadLimit(cfg.ReadLimitBytes)
	}
	if cfg.Subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(cfg.Subscribe)); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	log.Info("Websocket connected")

	done := make(chan struct{})
	defer close(done)
	if cfg.PingInterval > 0 {
		go r.pingLoop(conn, cfg.PingInterval, done)
	}

	// Unblock ReadMessage when the reader stops.
	go func() {
		select {
		case <-r.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-r.ctx.Done():
				return nil
			default:
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg := models.RawReadingMessage{
			Source:     "websocket",
			StreamID:   peekStreamID(data),
			Data:       data,
			ReceivedAt: time.Now(),
		}
		if !r.channels.SendRaw(r.ctx, msg) {
			log.Warn("Raw channel full, reading dropped")
		}
	}
}

func (r *WebsocketReader) pingLoop(conn *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
