package notify

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// DefaultTopic carries completion announcements for asynchronous LLM
// requests. A message holds only the correlation id; waiters always
// re-read the response store, so a lost message costs latency, never
// correctness.
const DefaultTopic = "llm_responses"

// Bus publishes and consumes completion announcements.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
}

// NewGoChannelBus returns an in-process bus for single-process
// deployments and tests.
func NewGoChannelBus() *Bus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermill.NewStdLogger(false, false),
	)
	return &Bus{
		publisher:  pubSub,
		subscriber: pubSub,
		topic:      DefaultTopic,
	}
}

// NewAMQPBus returns a bus backed by a durable fanout exchange. Each
// process passes its own queueSuffix so that every dispatcher receives
// every announcement.
func NewAMQPBus(url, queueSuffix string) (*Bus, error) {
	logger := watermill.NewStdLogger(false, false)

	config := amqp.NewDurablePubSubConfig(
		url,
		amqp.GenerateQueueNameTopicNameWithSuffix("_"+queueSuffix),
	)
	config.Consume.NoRequeueOnNack = true

	publisher, err := amqp.NewPublisher(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp publisher: %v", err)
	}

	subscriber, err := amqp.NewSubscriber(config, logger)
	if err != nil {
		publisher.Close()
		return nil, fmt.Errorf("failed to create amqp subscriber: %v", err)
	}

	return &Bus{
		publisher:  publisher,
		subscriber: subscriber,
		topic:      DefaultTopic,
	}, nil
}

// Announce publishes a wake-up for the given correlation id.
func (b *Bus) Announce(correlationID string) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(correlationID))
	middleware.SetCorrelationID(correlationID, msg)

	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("failed to publish announcement: %v", err)
	}
	return nil
}

func (b *Bus) subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.subscriber.Subscribe(ctx, b.topic)
}

func (b *Bus) Close() error {
	err := b.publisher.Close()
	if any(b.subscriber) != any(b.publisher) {
		if cerr := b.subscriber.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
