package connection

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives connection lifecycle notifications. Calls are made
// sequentially, in the order the transitions happened, and never while the
// manager holds its lock. Observers may call Connect or Disconnect; the
// resulting notifications are delivered after the current one returns.
// Observers must not call Stop, which waits for the read loop.
type Observer interface {
	StateChanged(from, to State)
	ReconnectScheduled(attempt int, delay time.Duration)
	ReconnectsExhausted(attempts int)
	FrameDropped(err error)
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnStateChanged        func(from, to State)
	OnReconnectScheduled  func(attempt int, delay time.Duration)
	OnReconnectsExhausted func(attempts int)
	OnFrameDropped        func(err error)
}

func (f ObserverFuncs) StateChanged(from, to State) {
	if f.OnStateChanged != nil {
		f.OnStateChanged(from, to)
	}
}

func (f ObserverFuncs) ReconnectScheduled(attempt int, delay time.Duration) {
	if f.OnReconnectScheduled != nil {
		f.OnReconnectScheduled(attempt, delay)
	}
}

func (f ObserverFuncs) ReconnectsExhausted(attempts int) {
	if f.OnReconnectsExhausted != nil {
		f.OnReconnectsExhausted(attempts)
	}
}

func (f ObserverFuncs) FrameDropped(err error) {
	if f.OnFrameDropped != nil {
		f.OnFrameDropped(err)
	}
}

// Observers fans notifications out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	out := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) StateChanged(from, to State) {
	for _, o := range m {
		o.StateChanged(from, to)
	}
}

func (m multiObserver) ReconnectScheduled(attempt int, delay time.Duration) {
	for _, o := range m {
		o.ReconnectScheduled(attempt, delay)
	}
}

func (m multiObserver) ReconnectsExhausted(attempts int) {
	for _, o := range m {
		o.ReconnectsExhausted(attempts)
	}
}

func (m multiObserver) FrameDropped(err error) {
	for _, o := range m {
		o.FrameDropped(err)
	}
}

// LogObserver reports lifecycle events through logger.
func LogObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return logObserver{logger: logger}
}

type logObserver struct {
	logger *slog.Logger
}

func (l logObserver) StateChanged(from, to State) {
	level := slog.LevelInfo
	if to.Kind == StateConnecting {
		level = slog.LevelDebug
	}
	l.logger.Log(context.Background(), level, "connection state changed",
		"from", from.String(),
		"to", to.String(),
	)
}

func (l logObserver) ReconnectScheduled(attempt int, delay time.Duration) {
	l.logger.Info("reconnect scheduled",
		"attempt", attempt,
		"delay", delay,
	)
}

func (l logObserver) ReconnectsExhausted(attempts int) {
	l.logger.Error("max reconnect attempts reached", "attempts", attempts)
}

func (l logObserver) FrameDropped(err error) {
	l.logger.Warn("dropping frame", "error", err)
}
