package audit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Sink receives every recorded event after it is appended. Sinks run on the
// dispatcher goroutine; a failing sink is logged and otherwise ignored.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Start begins delivering queued events to the sinks.
func (l *Log) Start() error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("audit log already started")
	}
	if len(l.sinks) == 0 {
		return nil
	}

	l.wg.Add(1)
	go l.dispatchLoop()

	l.logger.Info("Audit sink dispatcher started", zap.Int("sinks", len(l.sinks)))
	return nil
}

// Stop stops the dispatcher after flushing queued events.
func (l *Log) Stop() error {
	if !l.started.Load() {
		return nil
	}
	l.cancel()
	l.wg.Wait()

	l.logger.Info("Audit sink dispatcher stopped",
		zap.Int64("dropped", l.dropped.Load()),
	)
	return nil
}

func (l *Log) dispatchLoop() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.queue:
			l.deliver(event)
		case <-l.ctx.Done():
			for {
				select {
				case event := <-l.queue:
					l.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) deliver(event Event) {
	for i, sink := range l.sinks {
		if err := l.writeSink(sink, event); err != nil {
			l.logger.Warn("Audit sink write failed",
				zap.Int("sink", i),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		}
	}
}

func (l *Log) writeSink(sink Sink, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), l.config.SinkTimeout)
	defer cancel()
	return sink.Write(ctx, event)
}
