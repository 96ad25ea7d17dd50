// Package publish forwards completed transcript items to kafka.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/vango-go/voicebook/pkg/realtime"
	"github.com/vango-go/voicebook/pkg/realtime/transcript"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicebook",
		Name:      "kafka_published_total",
		Help:      "Transcript items handed to kafka, by result.",
	}, []string{"result"})
	publishSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "voicebook",
		Name:      "kafka_publish_duration_seconds",
		Help:      "Latency of kafka writes.",
		Buckets:   prometheus.DefBuckets,
	})
)

// ItemEvent is the message value written per completed item.
type ItemEvent struct {
	SessionID  string    `json:"session_id"`
	ItemID     string    `json:"item_id"`
	Role       string    `json:"role"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Content    string    `json:"content"`
	Samples    int       `json:"audio_samples,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Config struct {
	Brokers []string
	Topic   string
	// QueueSize bounds events waiting for the writer; overflow is dropped.
	QueueSize int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes ItemEvents from a background loop. With no brokers it only logs.
type Publisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
	now    func() time.Time

	queue chan ItemEvent

	mu   sync.Mutex
	seen map[string]struct{}
}

func New(cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	p := &Publisher{
		topic:  cfg.Topic,
		logger: logger,
		now:    time.Now,
		queue:  make(chan ItemEvent, cfg.QueueSize),
		seen:   make(map[string]struct{}),
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		logger.Info("kafka disabled, using log-only mode")
		return p
	}
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	logger.Info("kafka publisher initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return p
}

func (p *Publisher) Enabled() bool { return p.writer != nil }

// Watch returns a conversation handler that enqueues each item the first time it is seen
// completed.
func (p *Publisher) Watch(sessionID string) func(realtime.ConversationUpdate) {
	return func(u realtime.ConversationUpdate) {
		if u.Item.Status != transcript.StatusCompleted {
			return
		}
		p.mu.Lock()
		_, dup := p.seen[u.Item.ID]
		p.seen[u.Item.ID] = struct{}{}
		p.mu.Unlock()
		if dup {
			return
		}
		p.Enqueue(p.eventFor(sessionID, u.Item))
	}
}

func (p *Publisher) eventFor(sessionID string, it transcript.Item) ItemEvent {
	ev := ItemEvent{
		SessionID:  sessionID,
		ItemID:     it.ID,
		Role:       string(it.Role),
		Type:       string(it.Type),
		Status:     string(it.Status),
		Content:    it.Content(),
		Samples:    it.Samples(),
		OccurredAt: p.now().UTC(),
	}
	if it.Tool != nil {
		ev.ToolName = it.Tool.Name
	}
	return ev
}

// Enqueue never blocks.
func (p *Publisher) Enqueue(ev ItemEvent) bool {
	select {
	case p.queue <- ev:
		return true
	default:
		publishedTotal.WithLabelValues("dropped").Inc()
		p.logger.Warn("kafka queue full, dropping item", "item_id", ev.ItemID)
		return false
	}
}

// Run drains the queue until ctx is done, then flushes what is left with a short deadline.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-p.queue:
			_ = p.publish(ctx, ev)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-p.queue:
					_ = p.publish(flushCtx, ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev ItemEvent) error {
	start := time.Now()
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal item event failed", "item_id", ev.ItemID, "error", err)
		return err
	}
	p.logger.Debug("publishing item", "topic", p.topic, "item_id", ev.ItemID, "role", ev.Role)
	if p.writer == nil {
		publishedTotal.WithLabelValues("logged").Inc()
		return nil
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.SessionID), Value: payload})
	publishSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		publishedTotal.WithLabelValues("error").Inc()
		p.logger.Error("kafka publish failed", "topic", p.topic, "item_id", ev.ItemID, "error", err)
		return err
	}
	publishedTotal.WithLabelValues("ok").Inc()
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
