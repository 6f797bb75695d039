// Package chain wraps Ethereum JSON-RPC access: the block/fee/nonce/receipt
// surface a bundler needs (Provider) and the ABI-versioned entry-point call
// surface (EntryPointProvider, see entrypoint.go).
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Block is the subset of header fields the core needs (spec §6).
type Block struct {
	Hash    common.Hash
	Number  uint64
	BaseFee *big.Int
}

// FeeHistory is the percentile fee data used by the priority-fee oracle
// (spec §6, fee_history).
type FeeHistory struct {
	BaseFeePerGas     []*big.Int
	Reward            [][]*big.Int // reward[block][percentile]
	OldestBlock       uint64
}

// CallTrace is the per-phase opcode/storage access trace returned by
// simulateValidation tracing (spec §4.2). Phase 0 = factory, 1 = account,
// 2 = paymaster, matching entry_type_from_simulation_phase in the original
// simulator.
type CallTrace struct {
	Phases []PhaseTrace
	// AssociatedSlots is the per-address set of storage slots the custom
	// tracer identified as "belonging to" that address (e.g. via a keccak
	// preimage containing the address during a mapping write), used by the
	// simulator's storage-rule classifier (spec §3, §4.2).
	AssociatedSlots map[common.Address][]*big.Int
}

// PhaseTrace is the storage accessed by one validation phase, keyed by the
// contract address whose storage was touched.
type PhaseTrace struct {
	Accesses map[common.Address]*StorageAccess
}

// StorageAccess records the slots read and written on one address during
// one phase.
type StorageAccess struct {
	Reads  map[[32]byte]struct{}
	Writes map[[32]byte]struct{}
}

// Provider is the Chain Provider interface the core consumes (spec §6).
// Implementations wrap go-ethereum's ethclient.Client (for the standard
// calls) and a raw rpc.Client (for call_with_trace, which needs
// debug_traceCall with a custom tracer).
type Provider interface {
	LatestBlock(ctx context.Context) (Block, error)
	BlockByHash(ctx context.Context, hash common.Hash) (Block, error)
	TransactionCount(ctx context.Context, addr common.Address, block *big.Int) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	CallWithTrace(ctx context.Context, call CallMsg, block common.Hash) (CallTrace, error)
	// Call runs an eth_call pinned to block and returns the raw return data.
	// On revert, the call's revert payload (if the node attaches one) is
	// returned alongside the error so callers can decode custom Solidity
	// errors such as simulateValidation's ValidationResult.
	Call(ctx context.Context, call CallMsg, block common.Hash) (result []byte, revertData []byte, err error)
	EstimateGas(ctx context.Context, call CallMsg) (uint64, []byte, error)
	FeeHistory(ctx context.Context, blockCount uint64, rewardPercentiles []float64) (FeeHistory, error)
	ChainID(ctx context.Context) (uint64, error)
}

// CallMsg is a minimal eth_call-shaped message, avoiding a dependency on
// go-ethereum's ethereum.CallMsg so EntryPointProvider implementations can
// build it without importing the root go-ethereum package.
type CallMsg struct {
	From     common.Address
	To       *common.Address
	Data     []byte
	GasLimit uint64
}
