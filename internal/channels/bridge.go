package channels

import (
	"context"
	"fmt"
	"strings"

	"evoagent/internal/architect"
	"evoagent/internal/logging"
)

// MaxMessageLength is the per-chunk limit for outgoing replies.
const MaxMessageLength = 4000

const fallbackReply = "Done, but there is nothing to reply with."
const errorReply = "Something went wrong handling that message, please try again."

// Handler turns one user message into a reply.
type Handler func(ctx context.Context, text string) (string, error)

// Bridge consumes inbound bus messages, routes approval callbacks to the
// architect and everything else into the agent, and replies in chunks.
type Bridge struct {
	bus       *Bus
	manager   *Manager
	architect *architect.Engine
	handle    Handler
	logger    logging.Logger
}

// NewBridge wires the bridge. The architect is optional; without it
// approval callbacks are dropped with a warning.
func NewBridge(bus *Bus, manager *Manager, engine *architect.Engine, handle Handler, logger logging.Logger) *Bridge {
	return &Bridge{
		bus:       bus,
		manager:   manager,
		architect: engine,
		handle:    handle,
		logger:    logging.OrNop(logger),
	}
}

// Run consumes inbound messages until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	for {
		msg, ok := b.bus.ConsumeInbound(ctx)
		if !ok {
			b.logger.Info("bridge: stopped")
			return
		}
		b.handleMessage(ctx, msg)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, msg InboundMessage) {
	if callback := msg.Metadata["callback_data"]; callback != "" {
		b.handleCallback(ctx, msg, callback)
		return
	}

	response, err := b.handle(ctx, msg.Text)
	if err != nil {
		b.logger.Error("bridge: handle message: %v", err)
		response = errorReply
	}
	if strings.TrimSpace(response) == "" {
		response = fallbackReply
	}
	b.reply(msg, response)
}

// handleCallback routes "action:proposal_id" approval callbacks.
func (b *Bridge) handleCallback(ctx context.Context, msg InboundMessage, callback string) {
	action, proposalID, ok := strings.Cut(callback, ":")
	if !ok || action == "" || proposalID == "" {
		b.logger.Error("bridge: malformed callback %q", callback)
		return
	}
	if b.architect == nil {
		b.logger.Warn("bridge: no architect wired, dropping callback %q", callback)
		return
	}

	var reply string
	switch action {
	case "approve":
		result := b.architect.ApproveAndExecute(ctx, proposalID)
		if result.Status == "not_found" {
			reply = fmt.Sprintf("Proposal %s not found.", proposalID)
		} else {
			reply = fmt.Sprintf("Proposal %s executed. Status: %s", proposalID, result.Status)
		}
	case "reject":
		if b.architect.RejectProposal(proposalID) {
			reply = fmt.Sprintf("Proposal %s rejected.", proposalID)
		} else {
			reply = fmt.Sprintf("Proposal %s not found.", proposalID)
		}
	case "discuss":
		reply = fmt.Sprintf("Proposal %s marked for discussion. Tell me what you think.", proposalID)
	default:
		b.logger.Warn("bridge: unknown callback action %q", action)
		return
	}
	b.reply(msg, reply)
}

// reply sends the response back through the originating channel when it
// is registered, falling back to the outbound queue.
func (b *Bridge) reply(msg InboundMessage, response string) {
	chunks := SplitMessage(response, MaxMessageLength)
	ch, ok := b.manager.Get(msg.Channel)
	for _, chunk := range chunks {
		if ok {
			if err := ch.SendMessage(msg.UserID, chunk); err != nil {
				b.logger.Error("bridge: send chunk to %s: %v", msg.UserID, err)
			}
			continue
		}
		b.bus.PublishOutbound(OutboundMessage{Channel: msg.Channel, UserID: msg.UserID, Text: chunk})
	}
}

// SplitMessage splits long text into chunks of at most maxLen runes,
// preferring to break at a newline.
func SplitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(runes) > maxLen {
		splitAt := -1
		for i := maxLen - 1; i >= 0; i-- {
			if runes[i] == '\n' {
				splitAt = i
				break
			}
		}
		if splitAt <= 0 {
			splitAt = maxLen
		}
		chunks = append(chunks, string(runes[:splitAt]))
		runes = runes[splitAt:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// BusNotifier implements the architect's notifier over the outbound
// queue.
type BusNotifier struct {
	bus     *Bus
	channel string
	userID  string
}

// NewBusNotifier targets one channel and user for architect events.
func NewBusNotifier(bus *Bus, channel, userID string) *BusNotifier {
	return &BusNotifier{bus: bus, channel: channel, userID: userID}
}

// NotifyProposal publishes a proposal summary for the user to act on.
func (n *BusNotifier) NotifyProposal(p architect.Proposal) {
	text := fmt.Sprintf(
		"Improvement proposal %s (level %d)\n\nProblem: %s\n\nSolution: %s\n\nFiles: %s\n\nReply with approve:%s, reject:%s or discuss:%s.",
		p.ProposalID, p.Level, p.Problem, p.Solution, strings.Join(p.FilesAffected, ", "),
		p.ProposalID, p.ProposalID, p.ProposalID,
	)
	n.bus.PublishOutbound(OutboundMessage{Channel: n.channel, UserID: n.userID, Text: text, MessageType: "proposal"})
}

// NotifyMessage publishes a plain notification.
func (n *BusNotifier) NotifyMessage(text, messageType string) {
	n.bus.PublishOutbound(OutboundMessage{Channel: n.channel, UserID: n.userID, Text: text, MessageType: messageType})
}
