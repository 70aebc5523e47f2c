package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	Timestamp     time.Time              `json:"timestamp"`
	Version       int                    `json:"version"`
	Payload       map[string]interface{} `json:"payload"`
	Metadata      EventMetadata          `json:"metadata"`
}

type EventMetadata struct {
	CorrelationID string `json:"correlationId"`
	TraceID       string `json:"traceId"`
}

type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(eventType string, handler EventHandler) error
	Close() error
}

type EventHandler func(ctx context.Context, event Event) error

// MemoryEventBus dispatches events to in-process subscribers. Handlers for a
// type run synchronously in subscription order; publish order is preserved.
type MemoryEventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	closed   bool
}

func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		handlers: make(map[string][]EventHandler),
	}
}

func (m *MemoryEventBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	handlers := make([]EventHandler, len(m.handlers[event.Type]))
	copy(handlers, m.handlers[event.Type])
	m.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("handler for %s: %w", event.Type, err)
		}
	}
	return nil
}

func (m *MemoryEventBus) Subscribe(eventType string, handler EventHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("event bus is closed")
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
	return nil
}

func (m *MemoryEventBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = make(map[string][]EventHandler)
	return nil
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaEventBus publishes events to a Kafka topic for external consumers.
// Subscribe is not supported; the engine consumes its own events in process.
type KafkaEventBus struct {
	config KafkaConfig
	writer *kafka.Writer
}

func NewKafkaEventBus(config KafkaConfig) (*KafkaEventBus, error) {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      config.Brokers,
		Topic:        config.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	})

	return &KafkaEventBus{
		config: config,
		writer: writer,
	}, nil
}

func (k *KafkaEventBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "correlation-id", Value: []byte(event.Metadata.CorrelationID)},
		},
	}

	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaEventBus) Subscribe(eventType string, handler EventHandler) error {
	return fmt.Errorf("kafka event bus is publish-only")
}

func (k *KafkaEventBus) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// FanoutEventBus publishes every event to all wrapped buses; subscriptions go
// to the first. Lets the engine keep in-process handlers while mirroring
// events to Kafka.
type FanoutEventBus struct {
	buses []EventBus
}

func NewFanoutEventBus(buses ...EventBus) *FanoutEventBus {
	return &FanoutEventBus{buses: buses}
}

func (f *FanoutEventBus) Publish(ctx context.Context, event Event) error {
	for _, bus := range f.buses {
		if err := bus.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (f *FanoutEventBus) Subscribe(eventType string, handler EventHandler) error {
	if len(f.buses) == 0 {
		return fmt.Errorf("no buses configured")
	}
	return f.buses[0].Subscribe(eventType, handler)
}

func (f *FanoutEventBus) Close() error {
	var firstErr error
	for _, bus := range f.buses {
		if err := bus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Event builder helper
type EventBuilder struct {
	event Event
}

func NewEventBuilder(eventType string) *EventBuilder {
	return &EventBuilder{
		event: Event{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Version:   1,
			Payload:   make(map[string]interface{}),
			Metadata:  EventMetadata{},
		},
	}
}

func (b *EventBuilder) WithAggregateID(id string) *EventBuilder {
	b.event.AggregateID = id
	return b
}

func (b *EventBuilder) WithAggregateType(aggregateType string) *EventBuilder {
	b.event.AggregateType = aggregateType
	return b
}

func (b *EventBuilder) WithPayload(key string, value interface{}) *EventBuilder {
	b.event.Payload[key] = value
	return b
}

func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	b.event.Metadata.CorrelationID = id
	return b
}

func (b *EventBuilder) WithTraceID(id string) *EventBuilder {
	b.event.Metadata.TraceID = id
	return b
}

func (b *EventBuilder) Build() Event {
	return b.event
}

// Common event types
const (
	// Workflow events
	WorkflowCreated = "workflow.created"
	WorkflowUpdated = "workflow.updated"
	WorkflowDeleted = "workflow.deleted"

	// Execution events
	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
	ExecutionCancelled = "execution.cancelled"

	// Node events
	NodeExecutionStarted   = "node.execution.started"
	NodeExecutionCompleted = "node.execution.completed"
	NodeExecutionFailed    = "node.execution.failed"
	NodeExecutionSkipped   = "node.execution.skipped"

	// Schedule events
	ScheduleCreated   = "schedule.created"
	ScheduleDeleted   = "schedule.deleted"
	ScheduleTriggered = "schedule.triggered"

	// Pin data events
	PinDataSet     = "pindata.set"
	PinDataCleared = "pindata.cleared"
)
