package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("notifier is closed")

// Sender delivers one already-formatted report.
type Sender interface {
	Deliver(ctx context.Context, text string) error
}

const (
	defaultQueueSize = 256
	deliverTimeout   = 10 * time.Second
)

// BufferedNotifier collects messages and delivers them as one report per
// interval. Send never blocks; when the queue is full the message is dropped
// and counted.
type BufferedNotifier struct {
	sender   Sender
	logger   *zap.Logger
	interval time.Duration

	queue   chan string
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewBufferedNotifier starts the delivery loop.
func NewBufferedNotifier(sender Sender, interval time.Duration, logger *zap.Logger) *BufferedNotifier {
	if interval <= 0 {
		interval = time.Minute
	}
	n := &BufferedNotifier{
		sender:   sender,
		logger:   logger,
		interval: interval,
		queue:    make(chan string, defaultQueueSize),
		done:     make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// Send enqueues a message for the next report.
func (n *BufferedNotifier) Send(message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	select {
	case n.queue <- message:
	default:
		n.dropped++
	}
	return nil
}

// Dropped returns the number of messages discarded because the queue was full.
func (n *BufferedNotifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Close stops the loop after delivering whatever is still buffered.
func (n *BufferedNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.done)
	n.mu.Unlock()

	n.wg.Wait()
	return nil
}

func (n *BufferedNotifier) run() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	var pending []string
	for {
		select {
		case msg := <-n.queue:
			pending = append(pending, msg)
		case <-ticker.C:
			pending = n.flush(pending)
		case <-n.done:
			for {
				select {
				case msg := <-n.queue:
					pending = append(pending, msg)
				default:
					n.flush(pending)
					return
				}
			}
		}
	}
}

func (n *BufferedNotifier) flush(pending []string) []string {
	if len(pending) == 0 {
		return pending
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := n.sender.Deliver(ctx, formatReport(pending)); err != nil {
		n.logger.Error("Failed to deliver alert report", zap.Int("messages", len(pending)), zap.Error(err))
	}
	return pending[:0]
}

func formatReport(messages []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Strategy ecosystem report (%d events)\n", len(messages))
	for _, m := range messages {
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteByte('\n')
	}
	return b.String()
}
