package ports

import "lanvoice/internal/core/domain"

// SignalSender queues an outbound message on the signaling channel.
type SignalSender interface {
	Send(msg domain.SignalMessage) error
}

// SignalingChannel is the typed view of the signaling transport the
// orchestrator consumes.
type SignalingChannel interface {
	SignalSender
	Events() <-chan domain.ChannelEvent
}
