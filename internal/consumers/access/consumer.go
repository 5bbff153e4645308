package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chanpass/pkg/enums"
	"chanpass/pkg/logger"
	"chanpass/pkg/outbox"
	"chanpass/pkg/outbox/payloads"
	"chanpass/pkg/outbox/registry"
)

type accessExecutor interface {
	ExecuteGrant(ctx context.Context, event payloads.AccessGrantRequestedEvent, actor *outbox.ActorRef) error
	ExecuteRevoke(ctx context.Context, event payloads.AccessRevokeRequestedEvent, actor *outbox.ActorRef) error
}

type paymentNotifier interface {
	PaymentConfirmed(ctx context.Context, event payloads.PaymentConfirmedEvent)
	PaymentFailed(ctx context.Context, event payloads.PaymentFailedEvent)
}

// Consumer dispatches access-topic events to their side-effect owners: grant
// and revoke requests go to the access engine, payment outcomes go to the
// admin notification sink.
type Consumer struct {
	engine   accessExecutor
	sink     paymentNotifier
	decoders *registry.DecoderRegistry
	logg     *logger.Logger
}

// NewConsumer builds the access event dispatcher with decoders registered for
// every event version this worker understands.
func NewConsumer(engine accessExecutor, sink paymentNotifier, logg *logger.Logger) (*Consumer, error) {
	if engine == nil {
		return nil, fmt.Errorf("access engine required")
	}
	if sink == nil {
		return nil, fmt.Errorf("notification sink required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		engine:   engine,
		sink:     sink,
		decoders: defaultDecoders(),
		logg:     logg,
	}, nil
}

func defaultDecoders() *registry.DecoderRegistry {
	decoders := registry.NewDecoderRegistry()
	decoders.Register(enums.EventAccessGrantRequested, 1, decodeInto[payloads.AccessGrantRequestedEvent])
	decoders.Register(enums.EventAccessRevokeRequested, 1, decodeInto[payloads.AccessRevokeRequestedEvent])
	decoders.Register(enums.EventPaymentConfirmed, 1, decodeInto[payloads.PaymentConfirmedEvent])
	decoders.Register(enums.EventPaymentFailed, 1, decodeInto[payloads.PaymentFailedEvent])
	return decoders
}

func decodeInto[T any](payload json.RawMessage) (interface{}, error) {
	var event T
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return event, nil
}

// Handle routes one decoded envelope. Event type/version pairs without a
// registered decoder are acknowledged and skipped so a newer producer cannot
// wedge an older worker.
func (c *Consumer) Handle(ctx context.Context, eventType enums.OutboxEventType, envelope outbox.PayloadEnvelope) error {
	version := envelope.Version
	if version == 0 {
		version = 1
	}

	decoded, err := c.decoders.Decode(eventType, version, envelope.Data)
	if err != nil {
		if errors.Is(err, registry.ErrDecoderNotRegistered) {
			logCtx := c.logg.WithFields(ctx, map[string]any{
				"event_type":    string(eventType),
				"event_version": version,
				"event_id":      envelope.EventID,
			})
			c.logg.Warn(logCtx, "unsupported event skipped")
			return nil
		}
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}

	switch event := decoded.(type) {
	case payloads.AccessGrantRequestedEvent:
		return c.engine.ExecuteGrant(ctx, event, envelope.Actor)
	case payloads.AccessRevokeRequestedEvent:
		return c.engine.ExecuteRevoke(ctx, event, envelope.Actor)
	case payloads.PaymentConfirmedEvent:
		c.sink.PaymentConfirmed(ctx, event)
		return nil
	case payloads.PaymentFailedEvent:
		c.sink.PaymentFailed(ctx, event)
		return nil
	default:
		return fmt.Errorf("decoder returned unexpected type %T for %s", decoded, eventType)
	}
}
