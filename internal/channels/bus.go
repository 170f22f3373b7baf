// Package channels decouples chat surfaces from the agent core through a
// bounded message bus and bridges bus traffic into the agent loop.
package channels

import (
	"context"

	"evoagent/internal/logging"
)

// queueCapacity bounds both bus directions; publishes beyond it drop.
const queueCapacity = 1000

// InboundMessage is one message received from a chat channel.
type InboundMessage struct {
	Channel  string
	UserID   string
	Text     string
	Metadata map[string]string
}

// OutboundMessage is one message for a chat channel to deliver.
type OutboundMessage struct {
	Channel     string
	UserID      string
	Text        string
	MessageType string
}

// Bus carries messages between channels and the agent. Both queues are
// bounded; a full queue drops the publish rather than blocking a channel.
type Bus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	logger   logging.Logger
}

// NewBus builds a bus with bounded queues.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		inbound:  make(chan InboundMessage, queueCapacity),
		outbound: make(chan OutboundMessage, queueCapacity),
		logger:   logging.OrNop(logger),
	}
}

// PublishInbound queues a message from a channel towards the agent. It
// reports whether the message was accepted.
func (b *Bus) PublishInbound(msg InboundMessage) bool {
	select {
	case b.inbound <- msg:
		return true
	default:
		b.logger.Warn("bus: inbound queue full (%d), dropping message from %s", queueCapacity, msg.UserID)
		return false
	}
}

// ConsumeInbound blocks for the next inbound message until the context is
// cancelled.
func (b *Bus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound queues a response from the agent towards a channel.
func (b *Bus) PublishOutbound(msg OutboundMessage) bool {
	select {
	case b.outbound <- msg:
		return true
	default:
		b.logger.Warn("bus: outbound queue full (%d), dropping message to %s", queueCapacity, msg.UserID)
		return false
	}
}

// ConsumeOutbound blocks for the next outbound message until the context
// is cancelled.
func (b *Bus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// InboundSize returns the number of queued inbound messages.
func (b *Bus) InboundSize() int { return len(b.inbound) }

// OutboundSize returns the number of queued outbound messages.
func (b *Bus) OutboundSize() int { return len(b.outbound) }
