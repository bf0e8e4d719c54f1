// Package events carries lead lifecycle events between components over an
// in-process watermill pub/sub.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/ashureev/leadqual/internal/domain"
)

// Topics published on the bus.
const (
	TopicLeadConfirmed = "lead.confirmed"
	TopicFollowUp      = "lead.followup"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("event bus closed")

// Bus publishes lead events and dispatches them to registered handlers.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates an in-process bus. Handlers run on their own goroutine per
// topic so publishers never wait on consumers.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NewSlogLogger(logger.With("component", "events")))
	return &Bus{pubsub: ps, logger: logger}
}

// LeadConfirmed publishes a confirmed lead profile.
func (b *Bus) LeadConfirmed(_ context.Context, profile domain.LeadProfile) error {
	return b.publish(TopicLeadConfirmed, profile.LeadID, profile)
}

// FollowUpSent publishes a follow-up message that was pushed or queued.
func (b *Bus) FollowUpSent(_ context.Context, msg domain.FollowUpMessage) error {
	return b.publish(TopicFollowUp, msg.LeadID, msg)
}

func (b *Bus) publish(topic, leadID string, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set("lead_id", leadID)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// OnLeadConfirmed registers fn for confirmed leads.
func (b *Bus) OnLeadConfirmed(ctx context.Context, fn func(context.Context, domain.LeadProfile) error) error {
	return subscribe(ctx, b, TopicLeadConfirmed, fn)
}

// OnFollowUp registers fn for sent follow-ups.
func (b *Bus) OnFollowUp(ctx context.Context, fn func(context.Context, domain.FollowUpMessage) error) error {
	return subscribe(ctx, b, TopicFollowUp, fn)
}

// subscribe decodes each message on topic into T and hands it to fn. Handler
// errors are logged and the message is acked; events are advisory.
func subscribe[T any](ctx context.Context, b *Bus, topic string, fn func(context.Context, T) error) error {
	ch, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ch {
			var payload T
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				b.logger.Warn("Failed to decode event", "topic", topic, "message_id", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			if err := fn(msg.Context(), payload); err != nil {
				b.logger.Warn("Event handler failed",
					"topic", topic,
					"lead_id", msg.Metadata.Get("lead_id"),
					"error", err,
				)
			}
			msg.Ack()
		}
	}()

	b.logger.Debug("Subscribed to events", "topic", topic)
	return nil
}

// Close stops the bus and waits for in-flight handlers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
