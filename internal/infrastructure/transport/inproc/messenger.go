// Package inproc provides a loopback implementation of the messenger port.
// All nodes live in the same process and exchange messages through a shared
// hub. It backs local simulations and tests; the delivery semantics mirror the
// real overlay: unordered, at-most-once per attempt, mailbox fallback for
// offline peers and uid-deduplicated mailbox entries.
package inproc

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
	"github.com/peertrade-network/peertrade-daemon/internal/core/ports"
	"github.com/peertrade-network/peertrade-daemon/pkg/circuitbreaker"
)

var (
	// ErrPeerUnknown is returned when sending to an address the hub never saw.
	ErrPeerUnknown = errors.New("peer unknown")
	// ErrPeerUnreachable is returned while the peer is cut off from the hub.
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// sendsPerSecond paces outbound sends per node so a resend storm cannot
// saturate the hub.
const sendsPerSecond = 50

// Network is the in-process hub all loopback nodes attach to.
type Network struct {
	mu          sync.RWMutex
	nodes       map[domain.NodeAddress]*node
	unreachable map[domain.NodeAddress]bool
}

// NewNetwork returns an empty hub.
func NewNetwork() *Network {
	return &Network{
		nodes:       map[domain.NodeAddress]*node{},
		unreachable: map[domain.NodeAddress]bool{},
	}
}

// Join attaches a new node with the given address and public key and returns
// its messenger. The node starts online.
func (n *Network) Join(addr domain.NodeAddress, pubKey []byte) ports.Messenger {
	nd := &node{
		network: n,
		addr:    addr,
		pubKey:  pubKey,
		online:  true,
		mailbox: map[string]mailboxEntry{},
		breaker: circuitbreaker.NewCircuitBreaker("messenger:" + string(addr)),
		limiter: ratelimit.New(sendsPerSecond),
	}

	n.mu.Lock()
	n.nodes[addr] = nd
	n.mu.Unlock()
	return nd
}

// SetOnline toggles a node's availability through the hub.
func (n *Network) SetOnline(addr domain.NodeAddress, online bool) {
	n.mu.RLock()
	nd, ok := n.nodes[addr]
	n.mu.RUnlock()
	if ok {
		nd.SetOnline(online)
	}
}

// SetReachable cuts a node off from the hub (or reconnects it). Sends towards
// an unreachable node fault at the transport level instead of falling back to
// the mailbox.
func (n *Network) SetReachable(addr domain.NodeAddress, reachable bool) {
	n.mu.Lock()
	n.unreachable[addr] = !reachable
	n.mu.Unlock()
}

func (n *Network) lookup(addr domain.NodeAddress) (*node, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.unreachable[addr] {
		return nil, ErrPeerUnreachable
	}
	nd, ok := n.nodes[addr]
	if !ok {
		return nil, ErrPeerUnknown
	}
	return nd, nil
}

type mailboxEntry struct {
	msg          domain.TradeMessage
	senderPubKey []byte
	sender       domain.NodeAddress
}

type node struct {
	network *Network
	addr    domain.NodeAddress
	pubKey  []byte
	breaker *gobreaker.CircuitBreaker
	limiter ratelimit.Limiter

	mu               sync.Mutex
	online           bool
	mailbox          map[string]mailboxEntry
	directListeners  []ports.DirectMessageListener
	mailboxListeners []ports.MailboxMessageListener
}

var _ ports.Messenger = (*node)(nil)

// deliveryOutcome is what a single delivery attempt resolved to.
type deliveryOutcome int

const (
	deliveredDirect deliveryOutcome = iota
	deliveredToMailbox
)

func (nd *node) SendEncryptedMailboxMessage(
	peer domain.NodeAddress, peerPubKey []byte, msg ports.Envelope, listener ports.SendListener,
) {
	go func() {
		nd.limiter.Take()

		res, err := nd.breaker.Execute(func() (interface{}, error) {
			target, err := nd.network.lookup(peer)
			if err != nil {
				return nil, err
			}
			return target.receive(msg, nd.pubKey, nd.addr), nil
		})
		if err != nil {
			log.WithError(err).Debugf("send to %s failed", peer)
			listener.OnFault(err)
			return
		}

		if res.(deliveryOutcome) == deliveredDirect {
			listener.OnArrived()
		} else {
			listener.OnStoredInMailbox()
		}
	}()
}

// receive hands the message to the target node. An offline target stores it in
// the mailbox; a repeated uid overwrites the previous entry so resends
// collapse to a single pending delivery.
func (nd *node) receive(
	msg domain.TradeMessage, senderPubKey []byte, sender domain.NodeAddress,
) deliveryOutcome {
	nd.mu.Lock()
	if !nd.online {
		nd.mailbox[msg.GetUid()] = mailboxEntry{
			msg:          msg,
			senderPubKey: senderPubKey,
			sender:       sender,
		}
		nd.mu.Unlock()
		return deliveredToMailbox
	}
	listeners := make([]ports.DirectMessageListener, len(nd.directListeners))
	copy(listeners, nd.directListeners)
	nd.mu.Unlock()

	for _, l := range listeners {
		l.OnDirectMessage(msg, senderPubKey, sender)
	}
	return deliveredDirect
}

func (nd *node) RemoveMailboxMessage(msg domain.TradeMessage) {
	nd.mu.Lock()
	delete(nd.mailbox, msg.GetUid())
	nd.mu.Unlock()
}

func (nd *node) AddDirectMessageListener(l ports.DirectMessageListener) {
	nd.mu.Lock()
	nd.directListeners = append(nd.directListeners, l)
	nd.mu.Unlock()
}

func (nd *node) AddMailboxMessageListener(l ports.MailboxMessageListener) {
	nd.mu.Lock()
	nd.mailboxListeners = append(nd.mailboxListeners, l)
	nd.mu.Unlock()
}

func (nd *node) MyAddress() domain.NodeAddress {
	return nd.addr
}

// SetOnline toggles the node's availability. Going online drains the mailbox
// to the registered mailbox listeners.
func (nd *node) SetOnline(online bool) {
	nd.mu.Lock()
	nd.online = online
	if !online {
		nd.mu.Unlock()
		return
	}
	pending := make([]mailboxEntry, 0, len(nd.mailbox))
	for _, entry := range nd.mailbox {
		pending = append(pending, entry)
	}
	listeners := make([]ports.MailboxMessageListener, len(nd.mailboxListeners))
	copy(listeners, nd.mailboxListeners)
	nd.mu.Unlock()

	for _, entry := range pending {
		for _, l := range listeners {
			l.OnMailboxMessage(entry.msg, entry.senderPubKey, entry.sender)
		}
	}
}
