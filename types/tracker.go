package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TrackedTransaction is the transaction currently occupying one signer's
// in-flight slot (spec §3).
type TrackedTransaction struct {
	TxHash               common.Hash
	Nonce                uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	SubmittedBlock       uint64
}

// TrackerUpdateKind is the outcome of polling the chain for a tracked
// transaction's status (spec §4.4).
type TrackerUpdateKind int

const (
	TrackerStillPending TrackerUpdateKind = iota
	TrackerMined
	TrackerReplacementUnderpriced
	TrackerDropped
	TrackerNonceUsedByExternal
)

// TrackerUpdate reports what happened to the in-flight transaction since
// the last poll.
type TrackerUpdate struct {
	Kind  TrackerUpdateKind
	TxHash common.Hash
	Block  uint64
}
