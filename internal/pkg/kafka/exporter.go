package kafka

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/campfire/config"
	"github.com/Gopher0727/campfire/internal/model"
	logger "github.com/Gopher0727/campfire/middleware/log"
)

const (
	defaultQueueSize = 1024
	drainTimeout     = 5 * time.Second
)

// Exporter publishes committed message events to a Kafka topic, keyed by guild
// so each guild's events stay ordered within one partition. Export never
// blocks the caller: when the queue is full the event is dropped and counted.
type Exporter struct {
	producer   *Producer
	topic      string
	maxRetries int
	queue      chan model.MessageEvent
	dropped    atomic.Int64
	log        *logger.Logger
}

func NewExporter(producer *Producer, cfg *config.KafkaConfig, log *logger.Logger) *Exporter {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Exporter{
		producer:   producer,
		topic:      cfg.Topic,
		maxRetries: cfg.MaxRetries,
		queue:      make(chan model.MessageEvent, size),
		log:        log.Named("kafka"),
	}
}

// Export queues ev for publishing.
func (e *Exporter) Export(ev model.MessageEvent) {
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
		e.log.Warn("export queue full, event dropped",
			zap.String("type", ev.Type), zap.String("message_id", ev.MessageID))
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (e *Exporter) Dropped() int64 {
	return e.dropped.Load()
}

// Run publishes queued events until ctx is cancelled, then drains what is
// left within a bounded time.
func (e *Exporter) Run(ctx context.Context) {
	for {
		select {
		case ev := <-e.queue:
			e.publish(ctx, ev)
		case <-ctx.Done():
			e.drain()
			return
		}
	}
}

func (e *Exporter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-e.queue:
			e.publish(ctx, ev)
		default:
			return
		}
	}
}

func (e *Exporter) publish(ctx context.Context, ev model.MessageEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		e.log.Error("encode message event", zap.Error(err))
		return
	}
	if _, _, err := e.producer.ProduceWithRetry(ctx, e.topic, []byte(ev.GuildID), value, e.maxRetries); err != nil {
		e.log.Error("publish message event",
			zap.Error(err), zap.String("type", ev.Type), zap.String("message_id", ev.MessageID))
	}
}
