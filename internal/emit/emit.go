// Package emit carries bundle-lifecycle events out of the proposer/sender
// state machines on a broadcast feed, the way geth's miner and txpool
// publish block/tx lifecycle events (spec §5).
package emit

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// EventKind tags the shape of one BuilderEvent (spec §5).
type EventKind int

const (
	EventBundleProposed EventKind = iota
	EventBundleTxSent
	EventBundleMined
	EventBundleDropped
	EventBundleReplacementUnderpriced
	EventBundleCancelled
	EventOpSkipped
)

// BuilderEvent is one lifecycle event from a bundle sender, tagged with the
// entry point it concerns so a single feed can serve every sender (spec
// §4.3-§4.5).
type BuilderEvent struct {
	Kind       EventKind
	EntryPoint common.Address
	SignerIdx  uint64
	TxHash     common.Hash
	OpHashes   []common.Hash
	Reason     string
}

// WithEntryPoint tags a value with the entry point it concerns, mirroring
// the original source's generic event envelope so every BuilderEvent
// subscriber can filter by entry point without re-deriving it from the
// payload (spec §5).
type WithEntryPoint[T any] struct {
	EntryPoint common.Address
	Event      T
}

// Bus fans BuilderEvents out to every subscriber via a go-ethereum event
// feed; senders across every entry point and signer share one bus.
type Bus struct {
	feed event.Feed
}

func NewBus() *Bus { return &Bus{} }

// Publish sends ev to every current subscriber, blocking until delivery has
// been attempted on each one. Subscribers must keep their channel drained;
// a slow subscriber stalls every sender publishing on this bus.
func (b *Bus) Publish(ev WithEntryPoint[BuilderEvent]) {
	b.feed.Send(ev)
}

// Subscribe registers ch to receive every subsequent published event until
// the returned subscription is unsubscribed or the bus is closed.
func (b *Bus) Subscribe(ch chan<- WithEntryPoint[BuilderEvent]) event.Subscription {
	return b.feed.Subscribe(ch)
}
