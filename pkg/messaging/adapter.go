package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

type BrokerAdapter struct {
	broker Broker
	logger *zerolog.Logger
}

func NewBrokerAdapter(broker Broker, logger *zerolog.Logger) MessageBroker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &BrokerAdapter{broker: broker, logger: logger}
}

// Publish forwards payload as raw JSON so it is not double encoded.
func (a *BrokerAdapter) Publish(ctx context.Context, topic string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("invalid JSON payload for topic %s", topic)
	}
	return a.broker.Publish(ctx, topic, json.RawMessage(payload))
}

func (a *BrokerAdapter) Close() error {
	return a.broker.Close()
}

// Subscribe runs handler for every message on topic until ctx is done.
func (a *BrokerAdapter) Subscribe(ctx context.Context, topic string, handler func([]byte) error) error {
	msgChan, err := a.broker.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgChan {
			if err := handler(msg); err != nil {
				a.logger.Warn().Err(err).Str("topic", topic).Msg("message handler failed")
				continue
			}
		}
	}()

	return nil
}
