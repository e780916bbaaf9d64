package ports

import (
	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

// SendListener receives the transport-level outcome of a single mailbox send
// attempt. Exactly one of the callbacks is invoked per attempt.
type SendListener interface {
	// OnArrived is called when the peer received the message while online.
	OnArrived()
	// OnStoredInMailbox is called when the peer was offline and the network
	// stored the message for asynchronous pickup.
	OnStoredInMailbox()
	// OnFault is called when the send failed at the transport level.
	OnFault(err error)
}

// Envelope is an outbound protocol message together with its routing data.
// The transport encrypts it for the given peer; the uid is used by the
// receiving side to deduplicate repeated sends of the same logical message.
type Envelope interface {
	domain.TradeMessage
}

// DirectMessageListener receives decrypted messages delivered while both
// peers are online.
type DirectMessageListener interface {
	OnDirectMessage(msg domain.TradeMessage, senderPubKey []byte, sender domain.NodeAddress)
}

// MailboxMessageListener receives decrypted messages picked up from the
// network mailbox.
type MailboxMessageListener interface {
	OnMailboxMessage(msg domain.TradeMessage, senderPubKey []byte, sender domain.NodeAddress)
}

// Messenger is the messaging capability of the overlay network. The transport
// below it is unordered, at-most-once per attempt and possibly delayed;
// everything above relies on uids and explicit acks for reliability.
type Messenger interface {
	// SendEncryptedMailboxMessage sends msg to peer, falling back to the
	// network mailbox if the peer is offline. The call returns immediately;
	// the outcome is reported through the listener.
	SendEncryptedMailboxMessage(
		peer domain.NodeAddress, peerPubKey []byte, msg Envelope, listener SendListener,
	)
	// RemoveMailboxMessage purges a processed message from the network
	// mailbox so it is not delivered again.
	RemoveMailboxMessage(msg domain.TradeMessage)
	// AddDirectMessageListener registers for decrypted direct messages.
	AddDirectMessageListener(l DirectMessageListener)
	// AddMailboxMessageListener registers for decrypted mailbox messages.
	AddMailboxMessageListener(l MailboxMessageListener)
	// MyAddress returns the local overlay address, used to derive
	// deterministic message uids.
	MyAddress() domain.NodeAddress
}
