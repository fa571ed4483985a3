// Package notify 负责把机器人生命周期事件异步推送给外部渠道。
// 推送失败只记日志，不会影响交易逻辑。
package notify

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"crypto-orchestrator-bots/internal/models"

	"go.uber.org/zap"
)

type EventType string

const (
	BotStarted  EventType = "BotStarted"
	BotStopped  EventType = "BotStopped"
	OrderFilled EventType = "OrderFilled"
	BotErrored  EventType = "BotErrored"
)

// Event is one notification. Fill is set for OrderFilled, Reason for
// BotErrored.
type Event struct {
	Type   EventType    `json:"type"`
	BotID  string       `json:"bot_id"`
	Owner  string       `json:"owner"`
	Symbol string       `json:"symbol"`
	Fill   *models.Fill `json:"fill,omitempty"`
	Reason string       `json:"reason,omitempty"`
	At     time.Time    `json:"at"`
}

func (e Event) String() string {
	switch e.Type {
	case OrderFilled:
		if e.Fill != nil {
			return fmt.Sprintf("[%s] %s %s %s %g @ %g", e.Type, e.BotID, e.Symbol, e.Fill.Side, e.Fill.Size, e.Fill.Price)
		}
	case BotErrored:
		return fmt.Sprintf("[%s] %s %s: %s", e.Type, e.BotID, e.Symbol, e.Reason)
	}
	return fmt.Sprintf("[%s] %s %s", e.Type, e.BotID, e.Symbol)
}

// Notifier is what the supervisor talks to. Notify must never block.
type Notifier interface {
	Notify(Event)
}

// Sink delivers events to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

const (
	defaultBufferSize = 256
	sendTimeout       = 5 * time.Second
)

// Dispatcher 缓冲事件并在单独的 goroutine 中投递给所有 sink。
// 缓冲区满时丢弃事件。
type Dispatcher struct {
	events  chan Event
	sinks   []Sink
	logger  *zap.Logger
	dropped atomic.Int64
}

func NewDispatcher(bufferSize int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		events: make(chan Event, bufferSize),
		sinks:  sinks,
		logger: logger,
	}
}

func (d *Dispatcher) Notify(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case d.events <- e:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("通知缓冲区已满，丢弃事件",
			zap.String("type", string(e.Type)),
			zap.String("bot_id", e.BotID),
			zap.Int64("dropped_total", n))
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers events until ctx is done, then flushes what is already
// buffered.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case e := <-d.events:
			d.deliver(ctx, e)
		case <-ctx.Done():
			for {
				select {
				case e := <-d.events:
					d.deliver(context.Background(), e)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := s.Send(sctx, e); err != nil {
			d.logger.Warn("通知发送失败",
				zap.String("sink", s.Name()),
				zap.String("type", string(e.Type)),
				zap.String("bot_id", e.BotID),
				zap.Error(err))
		}
		cancel()
	}
}

// LogSink 把事件写入日志。
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("type", string(e.Type)),
		zap.String("bot_id", e.BotID),
		zap.String("owner", e.Owner),
		zap.String("symbol", e.Symbol),
	}
	if e.Fill != nil {
		fields = append(fields,
			zap.String("side", string(e.Fill.Side)),
			zap.Float64("price", e.Fill.Price),
			zap.Float64("size", e.Fill.Size))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	s.logger.Info("bot event", fields...)
	return nil
}
