// Package eventbus delivers progress/status/complete/error/log events to
// external subscribers in insertion order, per spec.md §5's ordering
// guarantee, and optionally mirrors each event to Kafka, grounded on
// cmd/orchestrator/main.go's broker-from-config wiring.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Kind is the event discriminator.
type Kind string

const (
	KindProgress Kind = "progress"
	KindStatus   Kind = "status"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
	KindLog      Kind = "log"
)

// Event is one message on the bus. Payload shape varies by Kind:
// progress{iteration,bestScore,metrics,bestProgramId}, status{status,
// iteration,totalIterations,bestScore}, complete{}, error{error}, log{
// timestamp,level,source,message}.
type Event struct {
	Kind    Kind           `json:"kind"`
	RunID   string         `json:"runId"`
	Payload map[string]any `json:"payload"`
}

// KafkaConfig mirrors config.KafkaConfig.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Bus is an in-process, ordered event channel with an optional Kafka
// mirror. Subscribers must not mutate engine state.
type Bus struct {
	mu          sync.Mutex
	subscribers []chan Event

	writer *kafka.Writer
	log    zerolog.Logger
}

// New builds a Bus. When kafkaCfg.Brokers is non-empty, events are also
// written to the configured Kafka topic; failures to mirror are logged but
// never block publication to in-process subscribers.
func New(kafkaCfg KafkaConfig, log zerolog.Logger) *Bus {
	b := &Bus{log: log}
	if len(kafkaCfg.Brokers) > 0 {
		b.writer = &kafka.Writer{
			Addr:     kafka.TCP(kafkaCfg.Brokers...),
			Topic:    kafkaCfg.Topic,
			Balancer: &kafka.LeastBytes{},
		}
	}
	return b
}

// Subscribe returns a channel receiving every future event, in publish
// order. The channel is buffered; a slow subscriber does not block others,
// but may miss events once its buffer fills. Unsubscribe is implicit when
// the caller stops reading after Close.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 64)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers event to every subscriber in registration order, then
// mirrors it to Kafka if configured.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.Lock()
	subs := append([]chan Event(nil), b.subscribers...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.log.Warn().Str("kind", string(event.Kind)).Msg("event subscriber buffer full, dropping event")
		}
	}

	if b.writer != nil {
		b.mirrorToKafka(ctx, event)
	}
}

func (b *Bus) mirrorToKafka(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		b.log.Warn().Err(err).Msg("marshal event for kafka mirror failed")
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.writer.WriteMessages(writeCtx, kafka.Message{Key: []byte(event.RunID), Value: data}); err != nil {
		b.log.Warn().Err(err).Msg("kafka event mirror write failed")
	}
}

// Close releases the Kafka writer, if any.
func (b *Bus) Close() error {
	if b.writer == nil {
		return nil
	}
	return b.writer.Close()
}

// Progress builds a progress event payload.
func Progress(runID string, iteration int, bestScore float64, metrics map[string]float64, bestProgramID string) Event {
	return Event{Kind: KindProgress, RunID: runID, Payload: map[string]any{
		"iteration": iteration, "bestScore": bestScore, "metrics": metrics, "bestProgramId": bestProgramID,
	}}
}

// Status builds a status event payload.
func Status(runID, status string, iteration, totalIterations int, bestScore float64) Event {
	return Event{Kind: KindStatus, RunID: runID, Payload: map[string]any{
		"status": status, "iteration": iteration, "totalIterations": totalIterations, "bestScore": bestScore,
	}}
}

// Complete builds a completion event.
func Complete(runID string) Event {
	return Event{Kind: KindComplete, RunID: runID, Payload: map[string]any{}}
}

// Error builds an error event.
func Error(runID string, err error) Event {
	return Event{Kind: KindError, RunID: runID, Payload: map[string]any{"error": err.Error()}}
}

// Log builds a log event.
func Log(runID string, timestamp time.Time, level, source, message string) Event {
	return Event{Kind: KindLog, RunID: runID, Payload: map[string]any{
		"timestamp": timestamp.Unix(), "level": level, "source": source, "message": message,
	}}
}
