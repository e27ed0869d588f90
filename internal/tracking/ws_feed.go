package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/normanking/cortexpuppet/internal/motion"
	"github.com/rs/zerolog"
)

// WSSampleMessage is one tracking result pushed by the tracker.
type WSSampleMessage struct {
	Type        string              `json:"type"`
	Mode        string              `json:"mode,omitempty"`
	Face        *motion.FaceSample  `json:"face,omitempty"`
	Body        *motion.BodySample  `json:"body,omitempty"`
	Hands       *motion.HandsSample `json:"hands,omitempty"`
	TimestampMs int64               `json:"timestamp_ms,omitempty"`
}

// WSErrorMessage reports tracker-side errors
type WSErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type FeedOptions struct {
	// ReconnectDelay is the fixed wait between dial attempts.
	ReconnectDelay time.Duration
	// MaxAttempts bounds consecutive failed dials before Run gives up.
	MaxAttempts int
	Dialer      *websocket.Dialer
	Logger      zerolog.Logger
}

func DefaultFeedOptions() FeedOptions {
	return FeedOptions{
		ReconnectDelay: 2 * time.Second,
		MaxAttempts:    5,
		Logger:         zerolog.Nop(),
	}
}

// WSFeed reads samples from a tracker WebSocket into a Store.
type WSFeed struct {
	url    string
	store  *Store
	opts   FeedOptions
	logger zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	received  int64

	onError func(err error)
}

func NewWSFeed(url string, store *Store, opts FeedOptions) *WSFeed {
	d := DefaultFeedOptions()
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = d.ReconnectDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = d.MaxAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &WSFeed{
		url:    url,
		store:  store,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "tracking-feed").Logger(),
	}
}

// SetErrorCallback sets the callback for tracker-side errors
func (f *WSFeed) SetErrorCallback(cb func(err error)) {
	f.onError = cb
}

func (f *WSFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Received counts samples stored since the feed started.
func (f *WSFeed) Received() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.received
}

// Run keeps the feed connected until ctx is done. A dropped connection is
// redialed; after MaxAttempts consecutive failed dials Run returns the last
// dial error.
func (f *WSFeed) Run(ctx context.Context) error {
	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			conn, _, err := f.opts.Dialer.DialContext(ctx, f.url, nil)
			if err != nil {
				f.logger.Debug().Err(err).Msg("Tracker dial failed")
				return nil, err
			}
			return conn, nil
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(f.opts.ReconnectDelay)),
			backoff.WithMaxTries(uint(f.opts.MaxAttempts)),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn().Err(err).Int("attempts", f.opts.MaxAttempts).Msg("Tracker unavailable, giving up")
			return fmt.Errorf("dial tracker: %w", err)
		}

		f.logger.Info().Str("url", f.url).Msg("Connected to tracker")
		err = f.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn().Err(err).Msg("Tracker connection dropped, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.opts.ReconnectDelay):
		}
	}
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.connected = false
		f.mu.Unlock()
		conn.Close()
		// Without a tracker the puppet falls back to idle at once.
		f.store.Clear()
	}()

	// Unblock ReadJSON when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(raw)
	}
}

func (f *WSFeed) handleMessage(raw json.RawMessage) {
	var typeMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &typeMsg); err != nil {
		f.logger.Warn().Err(err).Msg("Failed to parse message type")
		return
	}

	switch typeMsg.Type {
	case "sample":
		var msg WSSampleMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to parse sample message")
			return
		}
		sample, err := msg.Sample()
		if err != nil {
			f.logger.Warn().Err(err).Msg("Dropping sample")
			return
		}
		f.store.Put(sample)
		f.mu.Lock()
		f.received++
		f.mu.Unlock()

	case "error":
		var msg WSErrorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to parse error message")
			return
		}
		f.logger.Warn().Str("message", msg.Message).Msg("Tracker error")
		if f.onError != nil {
			f.onError(errors.New("tracker: " + msg.Message))
		}

	default:
		f.logger.Debug().Str("type", typeMsg.Type).Msg("Unknown message type")
	}
}

// Sample converts the wire message. An empty mode keeps face-only.
func (m WSSampleMessage) Sample() (motion.Sample, error) {
	mode := motion.ModeFace
	if m.Mode != "" {
		var err error
		if mode, err = motion.ParseTrackingMode(m.Mode); err != nil {
			return motion.Sample{}, err
		}
	}
	s := motion.Sample{Mode: mode, Face: m.Face, Body: m.Body, Hands: m.Hands}
	if m.TimestampMs > 0 {
		s.Timestamp = time.UnixMilli(m.TimestampMs)
	}
	return s, nil
}
