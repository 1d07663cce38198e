// Package feed streams live performance samples into the controller over a
// websocket. It is the data_feeder capability.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/metrics"
	"github.com/your-org/strategy-ecosystem/internal/strategy"
	"github.com/your-org/strategy-ecosystem/pkg/logger"
)

const (
	defaultBufferSize = 1024
	dialAttempts      = 3
	writeWait         = 2 * time.Second
)

// ErrDisconnected is returned by Poll after the connection is lost.
var ErrDisconnected = errors.New("feed disconnected")

// subscriptionMessage asks the server to stream one channel.
type subscriptionMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// sampleMessage is the payload of a channel message: ["<channel>", {...}].
type sampleMessage struct {
	Time   time.Time `json:"time"`
	Return float64   `json:"return"`
}

// WebSocketCapability starts one streaming subscription per component. The
// channel subscribed to is the spec name.
type WebSocketCapability struct {
	url     string
	dialer  *websocket.Dialer
	backoff time.Duration
}

// NewWebSocketCapability creates a capability for the feed at url.
func NewWebSocketCapability(url string) *WebSocketCapability {
	return &WebSocketCapability{url: url, dialer: websocket.DefaultDialer, backoff: 200 * time.Millisecond}
}

// Start implements strategy.Capability: dial, subscribe and begin reading.
// The returned handle is a *Subscription.
func (w *WebSocketCapability) Start(ctx context.Context, spec component.Spec) (strategy.Handle, error) {
	var (
		conn    *websocket.Conn
		err     error
		backoff = w.backoff
	)
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, _, err = w.dialer.DialContext(ctx, w.url, nil)
		if err == nil {
			break
		}
		logger.Warnf("Feed dial error (attempt %d/%d): %v", attempt, dialAttempts, err)
		if attempt == dialAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to feed %s: %w", w.url, err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscriptionMessage{Type: "subscribe", Channel: spec.Name}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", spec.Name, err)
	}

	s := &Subscription{
		conn:    conn,
		channel: spec.Name,
		samples: make(chan metrics.Sample, defaultBufferSize),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	logger.Infof("Subscribed to feed channel %s", spec.Name)
	return s, nil
}

// Subscription is a running feed handle.
type Subscription struct {
	conn    *websocket.Conn
	channel string
	samples chan metrics.Sample
	done    chan struct{}

	mu      sync.Mutex
	err     error
	stopped bool
	dropped int
}

func (s *Subscription) readLoop() {
	defer close(s.done)
	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.stopped {
				s.err = fmt.Errorf("%w: %w", ErrDisconnected, err)
				logger.Errorf("Feed read error on %s: %v", s.channel, err)
			}
			s.mu.Unlock()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		sample, ok := s.parse(message)
		if !ok {
			continue
		}
		select {
		case s.samples <- sample:
		default:
			// Keep the newest data: drop the oldest buffered sample.
			select {
			case <-s.samples:
			default:
			}
			s.samples <- sample
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	}
}

func (s *Subscription) parse(message []byte) (metrics.Sample, bool) {
	var msgArray []json.RawMessage
	if err := json.Unmarshal(message, &msgArray); err != nil || len(msgArray) != 2 {
		logger.Debugf("Ignoring feed message that is not a channel message: %s", message)
		return metrics.Sample{}, false
	}
	var channel string
	if err := json.Unmarshal(msgArray[0], &channel); err != nil || channel != s.channel {
		return metrics.Sample{}, false
	}
	var payload sampleMessage
	if err := json.Unmarshal(msgArray[1], &payload); err != nil {
		logger.Errorf("Error unmarshalling sample for channel %s: %v", channel, err)
		return metrics.Sample{}, false
	}
	return metrics.Sample{Time: payload.Time.UTC(), Return: payload.Return}, true
}

// Poll returns the oldest buffered sample without blocking.
func (s *Subscription) Poll(ctx context.Context) (metrics.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return metrics.Sample{}, false, err
	}
	select {
	case sample := <-s.samples:
		return sample, true, nil
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return metrics.Sample{}, false, s.err
	}
	return metrics.Sample{}, false, nil
}

// Dropped returns the number of samples discarded on buffer overflow.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Stop closes the connection and waits for the reader to exit.
func (s *Subscription) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	err := s.conn.Close()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
