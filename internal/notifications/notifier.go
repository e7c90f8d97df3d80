package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/rampledger/pkg/logger"
)

// Message is a merchant-facing notification.
type Message struct {
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	TxID      string            `json:"txId,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Notifier delivers messages at most once. Callers log failures and move on.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type publisher interface {
	Publish(ctx context.Context, msg *gcppubsub.Message) publishResult
}

// PubSubNotifier publishes messages for the mail relay to deliver.
type PubSubNotifier struct {
	pub  publisher
	logg *logger.Logger
}

// NewPubSubNotifier wraps a Pub/Sub publisher handle.
func NewPubSubNotifier(pub *gcppubsub.Publisher, logg *logger.Logger) (*PubSubNotifier, error) {
	if pub == nil {
		return nil, errors.New("pubsub publisher required")
	}
	return &PubSubNotifier{pub: &gcpPublisher{Publisher: pub}, logg: logg}, nil
}

func (n *PubSubNotifier) Notify(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := map[string]string{"kind": "merchant_notification"}
	if msg.TxID != "" {
		attrs["tx_id"] = msg.TxID
	}
	result := n.pub.Publish(ctx, &gcppubsub.Message{Data: data, Attributes: attrs})
	if result == nil {
		return errors.New("publisher unavailable")
	}
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	if n.logg != nil {
		n.logg.Info(n.logg.WithField(ctx, "message_id", id), "merchant notification published")
	}
	return nil
}

// LogNotifier records messages in the service log when no topic is configured.
type LogNotifier struct {
	logg *logger.Logger
}

func NewLogNotifier(logg *logger.Logger) *LogNotifier {
	return &LogNotifier{logg: logg}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if n.logg != nil {
		n.logg.Info(n.logg.WithFields(ctx, map[string]any{
			"recipient": msg.Recipient,
			"subject":   msg.Subject,
		}), "merchant notification")
	}
	return nil
}

func (m Message) validate() error {
	if strings.TrimSpace(m.Recipient) == "" {
		return errors.New("notification recipient required")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return errors.New("notification subject required")
	}
	return nil
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return p.Publisher.Publish(ctx, msg)
}
