// Package alert handles sending operator notifications. Notifiers must never
// block the caller: the control loop fires and forgets.
package alert

import "go.uber.org/zap"

// Notifier is the interface for sending alert messages.
type Notifier interface {
	Send(message string) error
	Close() error
}

// NoOpNotifier discards every message.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

// Send discards the message.
func (n *NoOpNotifier) Send(message string) error { return nil }

// Close does nothing.
func (n *NoOpNotifier) Close() error { return nil }

// LogNotifier writes alerts to a logger at warn level. It stands in for a
// remote channel when none is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger discards.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send logs the message.
func (n *LogNotifier) Send(message string) error {
	n.logger.Warn("Alert", zap.String("message", message))
	return nil
}

// Close flushes the logger.
func (n *LogNotifier) Close() error {
	_ = n.logger.Sync()
	return nil
}
