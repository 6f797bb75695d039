// Package builder implements the bundle-building core: the transaction
// tracker, bundle proposer, per-signer bundle sender state machine, and the
// supervisor that fans them out across entry points and signers (spec §4.3-
// §4.6).
package builder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/shunsukew/rundler/chain"
	"github.com/shunsukew/rundler/signer"
	"github.com/shunsukew/rundler/types"
)

// TrackerSettings configures one signer's Transaction Tracker (spec §4.4).
type TrackerSettings struct {
	ReplacementFeePercentIncrease uint64
	MaxBlocksToWaitForMine        uint64
}

// TrackerUpdateKind is the outcome of polling the chain for the tracker's
// in-flight transaction (spec §4.4).
type TrackerUpdateKind int

const (
	TrackerStillPending TrackerUpdateKind = iota
	TrackerMined
	TrackerReplacementUnderpriced
	TrackerDropped
	TrackerNonceUsedByExternal
)

// TrackerUpdate reports what happened to the tracked transaction since the
// last poll.
type TrackerUpdate struct {
	Kind   TrackerUpdateKind
	TxHash common.Hash
	Block  uint64
}

// Fees is a max-fee/max-priority-fee pair, the unit the tracker and sender
// negotiate replacement bumps in.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// BumpedBy multiplies both fees by 1 + percent/100, rounded up (spec §4.5,
// "Fee-bump policy").
func (f Fees) BumpedBy(percent uint64) Fees {
	return Fees{
		MaxFeePerGas:         bumpByPercent(f.MaxFeePerGas, percent),
		MaxPriorityFeePerGas: bumpByPercent(f.MaxPriorityFeePerGas, percent),
	}
}

// bumpByPercent computes ceil(v * (100+percent) / 100) using uint256 fixed-
// width arithmetic, the same type go-ethereum's own miner package uses for
// fee-filter math (miner/worker.go's uint256.MustFromBig calls), rather than
// unbounded big.Int, since every fee value here is already constrained to
// fit in 256 bits by the EVM itself.
func bumpByPercent(v *big.Int, percent uint64) *big.Int {
	if v == nil {
		v = big.NewInt(0)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		u = new(uint256.Int)
	}
	numerator := new(uint256.Int).Mul(u, uint256.NewInt(100+percent))
	hundred := uint256.NewInt(100)
	quotient := new(uint256.Int).Div(numerator, hundred)
	remainder := new(uint256.Int).Mod(numerator, hundred)
	if !remainder.IsZero() {
		quotient.AddUint64(quotient, 1)
	}
	return quotient.ToBig()
}

// TransactionTracker owns exactly one signer's in-flight nonce and
// transaction (spec §4.4, "Exactly one in-flight transaction per tracker at
// a time"). Its nonce MUST monotonically increase.
type TransactionTracker struct {
	mu sync.Mutex

	provider chain.Provider
	signer   signer.Signer
	chainID  uint64
	settings TrackerSettings
	index    uint64

	nonce          uint64
	lastTxHash     common.Hash
	lastFees       Fees
	submittedBlock uint64
	attemptCount   uint64
	inFlight       bool
}

// NewTransactionTracker resolves the signer's current on-chain nonce and
// returns a tracker ready to submit its first transaction.
func NewTransactionTracker(ctx context.Context, provider chain.Provider, s signer.Signer, chainID uint64, settings TrackerSettings, index uint64) (*TransactionTracker, error) {
	nonce, err := provider.TransactionCount(ctx, s.Address(), nil)
	if err != nil {
		return nil, fmt.Errorf("builder: resolve starting nonce for signer %s: %w", s.Address(), err)
	}
	return &TransactionTracker{provider: provider, signer: s, chainID: chainID, settings: settings, index: index, nonce: nonce}, nil
}

func (t *TransactionTracker) Nonce() uint64 { return t.nonce }

// sentinel error strings a node's SendRawTransaction error is matched
// against: the first marks a replacement rejected as underpriced, the
// second a nonce already used (spec §4.4).
const (
	errTextReplacementUnderpriced = "replacement transaction underpriced"
	errTextNonceTooLow            = "nonce too low"
)

// SendTransactionResult is the outcome of SendTransaction: either a
// successful submission (hash populated) or one of the two named failure
// modes (spec §4.4).
type SendTransactionResult struct {
	TxHash                 common.Hash
	ReplacementUnderpriced bool
	NonceUsed              bool
}

// SendTransaction signs and submits a raw handle-ops transaction at the
// tracker's current nonce (spec §4.4).
func (t *TransactionTracker) SendTransaction(ctx context.Context, unsignedTx []byte, fees Fees) (SendTransactionResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	signed, err := t.signer.SignTx(ctx, t.chainID, unsignedTx)
	if err != nil {
		return SendTransactionResult{}, fmt.Errorf("builder: sign bundle tx: %w", err)
	}
	hash, err := t.provider.SendRawTransaction(ctx, signed)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, errTextReplacementUnderpriced):
			return SendTransactionResult{ReplacementUnderpriced: true}, nil
		case strings.Contains(msg, errTextNonceTooLow):
			t.nonce++
			return SendTransactionResult{NonceUsed: true}, nil
		default:
			return SendTransactionResult{}, err
		}
	}

	latest, err := t.provider.LatestBlock(ctx)
	if err != nil {
		return SendTransactionResult{}, fmt.Errorf("builder: resolve block after submit: %w", err)
	}

	t.lastTxHash = hash
	t.lastFees = fees
	t.submittedBlock = latest.Number
	t.attemptCount++
	t.inFlight = true
	log.Info("submitted bundle transaction", "signer", t.signer.Address(), "nonce", t.nonce, "hash", hash, "attempt", t.attemptCount)
	return SendTransactionResult{TxHash: hash}, nil
}

// CheckForUpdate polls the chain for the in-flight transaction's status
// (spec §4.4).
func (t *TransactionTracker) CheckForUpdate(ctx context.Context, latestBlock chain.Block) (TrackerUpdate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inFlight {
		return TrackerUpdate{Kind: TrackerStillPending}, nil
	}

	onChainNonce, err := t.provider.TransactionCount(ctx, t.signer.Address(), new(big.Int).SetUint64(latestBlock.Number))
	if err != nil {
		return TrackerUpdate{}, fmt.Errorf("builder: poll nonce: %w", err)
	}

	if onChainNonce > t.nonce {
		receipt, err := t.provider.TransactionReceipt(ctx, t.lastTxHash)
		if err != nil {
			return TrackerUpdate{}, fmt.Errorf("builder: fetch receipt: %w", err)
		}
		if receipt != nil {
			return TrackerUpdate{Kind: TrackerMined, TxHash: t.lastTxHash, Block: receipt.BlockNumber.Uint64()}, nil
		}
		// The nonce advanced but we can't find our own transaction:
		// something else used this nonce.
		t.nonce = onChainNonce
		return TrackerUpdate{Kind: TrackerNonceUsedByExternal}, nil
	}

	if latestBlock.Number > t.submittedBlock+t.settings.MaxBlocksToWaitForMine {
		receipt, err := t.provider.TransactionReceipt(ctx, t.lastTxHash)
		if err != nil {
			return TrackerUpdate{}, fmt.Errorf("builder: fetch receipt: %w", err)
		}
		if receipt == nil {
			return TrackerUpdate{Kind: TrackerDropped}, nil
		}
	}

	return TrackerUpdate{Kind: TrackerStillPending}, nil
}

// ResetAfterMine advances the nonce and clears the in-flight transaction
// (spec §4.4).
func (t *TransactionTracker) ResetAfterMine() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nonce++
	t.inFlight = false
	t.attemptCount = 0
}

// AbandonInFlight clears the in-flight transaction without advancing the
// nonce, used when the tracker gave up on an attempt without the op set
// changing (spec §4.5, "abandon; do NOT remove ops from pool").
func (t *TransactionTracker) AbandonInFlight() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = false
	t.attemptCount = 0
}

// Cancel submits a zero-value self-transfer at the tracker's current nonce
// with bumped fees, to free the nonce without waiting for the original
// bundle's inclusion (spec §4.4).
func (t *TransactionTracker) Cancel(ctx context.Context, fees Fees) (SendTransactionResult, error) {
	t.mu.Lock()
	nonce := t.nonce
	chainID := t.chainID
	beneficiary := t.signer.Address()
	t.mu.Unlock()

	unsignedTx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(chainID),
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       21000,
		To:        &beneficiary,
	})
	raw, err := unsignedTx.MarshalBinary()
	if err != nil {
		return SendTransactionResult{}, fmt.Errorf("builder: marshal cancel tx: %w", err)
	}
	return t.SendTransaction(ctx, raw, fees)
}

// SubmitHandleOps asks the entry point to build, sign, and send a
// handleOps/handleAggregatedOps transaction at the tracker's current nonce,
// and records the result the way SendTransaction does (spec §4.3 step 5,
// §4.4). The entry point itself performs the ABI encoding; the tracker only
// supplies the nonce and the signing callback.
func (t *TransactionTracker) SubmitHandleOps(ctx context.Context, entryPoint chain.EntryPointProvider, groups []types.AggregatorGroup, beneficiary common.Address, gasLimit uint64, fees Fees) (SendTransactionResult, error) {
	t.mu.Lock()
	nonce := t.nonce
	chainID := t.chainID
	s := t.signer
	t.mu.Unlock()

	signFn := func(ctx context.Context, unsignedTx []byte) ([]byte, error) {
		return s.SignTx(ctx, chainID, unsignedTx)
	}

	hash, err := entryPoint.SendHandleOps(ctx, groups, beneficiary, gasLimit, fees.MaxFeePerGas, fees.MaxPriorityFeePerGas, nonce, signFn)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, errTextReplacementUnderpriced):
			return SendTransactionResult{ReplacementUnderpriced: true}, nil
		case strings.Contains(msg, errTextNonceTooLow):
			t.mu.Lock()
			t.nonce++
			t.mu.Unlock()
			return SendTransactionResult{NonceUsed: true}, nil
		default:
			return SendTransactionResult{}, err
		}
	}

	latest, err := t.provider.LatestBlock(ctx)
	if err != nil {
		return SendTransactionResult{}, fmt.Errorf("builder: resolve block after submit: %w", err)
	}

	t.mu.Lock()
	t.lastTxHash = hash
	t.lastFees = fees
	t.submittedBlock = latest.Number
	t.attemptCount++
	t.inFlight = true
	t.mu.Unlock()
	log.Info("submitted bundle transaction", "signer", s.Address(), "nonce", nonce, "hash", hash, "attempt", t.attemptCount)
	return SendTransactionResult{TxHash: hash}, nil
}

var errNoInFlightTransaction = errors.New("builder: no in-flight transaction to replace")

// LastFees returns the fees of the currently in-flight transaction, for the
// sender to compute its next bump from.
func (t *TransactionTracker) LastFees() (Fees, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inFlight {
		return Fees{}, errNoInFlightTransaction
	}
	return t.lastFees, nil
}
