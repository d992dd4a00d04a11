package signaling

import "context"

// Handler consumes inbound signaling messages. Implementations must not
// block for long; the channel may deliver from its read loop.
type Handler func(msg *Message)

// Channel is the delivery seam between the call core and whatever carries
// signaling payloads between users. The channel never interprets
// payloads. Send failures surface as errors, never silent drops; delivery
// is at-least-once and unordered across kinds.
type Channel interface {
	// Send transmits a message to msg.TargetID.
	Send(ctx context.Context, msg *Message) error

	// SetHandler registers the sink for inbound messages. Passing nil
	// unregisters it.
	SetHandler(h Handler)
}
