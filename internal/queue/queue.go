// Package queue implements the in-process message bus between pipeline
// stages (spec.md §9), with one topic per stage handoff: MP → DL, DL → OC,
// OC → UP. The only publisher is the orchestrator, which sends one
// channel-keyed download signal per channel after each poll cycle; DL and
// OC publish nothing, so the onchain and upload topics carry no messages and
// those stages run on their tickers alone. It wraps Watermill's in-process
// gochannel pub/sub the way the teacher's eventprocessor wraps a NATS
// publisher, minus the circuit breaker — there is no network hop here to
// protect.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// Topic names the handoff between two adjacent pipeline stages.
type Topic string

const (
	// TopicDownload wakes DL after MP has polled a channel; its keys carry
	// the channel id only.
	TopicDownload Topic = "synch.download"
	// TopicOnChain names the DL → OC handoff; nothing publishes to it.
	TopicOnChain Topic = "synch.onchain"
	// TopicUpload names the OC → UP handoff; nothing publishes to it.
	TopicUpload Topic = "synch.upload"
)

// Key identifies the work a message refers to: a channel, plus a video
// where the publisher names one. It is the only payload the bus carries —
// every stage re-reads the authoritative record from the store rather than
// trusting a copy in flight.
type Key struct {
	ChannelID string `json:"channelId"`
	VideoID   string `json:"videoId"`
}

// Bus is a narrow, domain-specific facade over an in-process Watermill
// pub/sub, grounded on the teacher's Publisher wrapper in
// eventprocessor/publisher.go but backed by gochannel instead of NATS: the
// pipeline runs in one process, so there is nothing to dial.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New builds a Bus. bufferSize sets the buffer of each subscription's
// delivery channel. Publish returns only once every current subscriber of
// the topic has taken the message, and delivered messages are not retained,
// so a stalled stage applies backpressure onto the stage feeding it rather
// than growing memory without bound. A message published to a topic with no
// subscriber is dropped.
func New(bufferSize int) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            int64(bufferSize),
				BlockPublishUntilSubscriberAck: true,
			},
			watermill.NopLogger{},
		),
	}
}

// Publish enqueues key onto topic.
func (b *Bus) Publish(topic Topic, key Key) error {
	payload, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal queue key: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	return b.pubsub.Publish(string(topic), msg)
}

// Subscribe returns a channel of Keys published to topic. Each delivered
// message is acked immediately: redelivery on a dropped consumer is handled
// by the stage re-polling the store for work still in its expected state,
// not by Watermill's nack/retry machinery.
func (b *Bus) Subscribe(ctx context.Context, topic Topic) (<-chan Key, error) {
	raw, err := b.pubsub.Subscribe(ctx, string(topic))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan Key)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var key Key
				if err := json.Unmarshal(msg.Payload, &key); err != nil {
					msg.Ack()
					continue
				}
				msg.Ack()
				select {
				case out <- key:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the underlying pub/sub's resources.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
