package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/shunsukew/rundler/chain"
	"github.com/shunsukew/rundler/internal/emit"
	"github.com/shunsukew/rundler/pool"
	"github.com/shunsukew/rundler/types"
)

// SenderState is one state of the per-signer bundle sender state machine
// (spec §4.5).
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderBuilding
	SenderPending
	SenderCancelling
	SenderStopped
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderBuilding:
		return "building"
	case SenderPending:
		return "pending"
	case SenderCancelling:
		return "cancelling"
	case SenderStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SenderSettings configures the replacement and cancellation policy of one
// BundleSender (spec §4.5, §6).
type SenderSettings struct {
	MaxReplacementUnderpricedBlocks uint64
	MaxCancellationFeeIncreases     uint64
	MaxBlocksToWaitForMine          uint64
	ReplacementFeePercentIncrease   uint64
	PollInterval                    time.Duration
}

// BundleSender drives one signer's bundle-building loop: propose, submit,
// track to inclusion, and replace or cancel on stall (spec §4.5). Exactly
// one bundle is ever in flight per sender.
type BundleSender struct {
	index      uint64
	proposer   *BundleProposer
	entryPoint chain.EntryPointProvider
	tracker    *TransactionTracker
	pool       pool.Pool
	provider   chain.Provider
	settings   SenderSettings
	events     *emit.Bus

	state             SenderState
	pendingGroups     []types.AggregatorGroup
	lastGasLimit      uint64
	attempt           uint64
	underpricedStreak uint64
	cancelAttempts    uint64
	lastProposedBlock uint64
}

func NewBundleSender(index uint64, proposer *BundleProposer, ep chain.EntryPointProvider, tracker *TransactionTracker, p pool.Pool, provider chain.Provider, settings SenderSettings) *BundleSender {
	if settings.PollInterval == 0 {
		settings.PollInterval = 2 * time.Second
	}
	return &BundleSender{index: index, proposer: proposer, entryPoint: ep, tracker: tracker, pool: p, provider: provider, settings: settings, state: SenderIdle}
}

// WithEvents attaches a broadcast bus the sender publishes lifecycle events
// to; callers that don't need events (e.g. tests) can leave this unset.
func (s *BundleSender) WithEvents(bus *emit.Bus) *BundleSender {
	s.events = bus
	return s
}

func (s *BundleSender) publish(kind emit.EventKind, txHash common.Hash, opHashes []common.Hash, reason string) {
	if s.events == nil {
		return
	}
	s.events.Publish(emit.WithEntryPoint[emit.BuilderEvent]{
		EntryPoint: s.entryPoint.Address(),
		Event: emit.BuilderEvent{
			Kind:       kind,
			EntryPoint: s.entryPoint.Address(),
			SignerIdx:  s.index,
			TxHash:     txHash,
			OpHashes:   opHashes,
			Reason:     reason,
		},
	})
}

// Run drives the state machine until ctx is cancelled, then finishes any
// in-flight RPC and returns without submitting new transactions (spec §4.5,
// "any | shutdown token | drain, do not submit new txs | Stopped").
func (s *BundleSender) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.state = SenderStopped
			return nil
		case <-ticker.C:
			latest, err := s.provider.LatestBlock(ctx)
			if err != nil {
				log.Warn("builder: failed to fetch latest block", "signer", s.index, "err", err)
				continue
			}
			if err := s.step(ctx, latest); err != nil {
				return fmt.Errorf("builder: sender %d: %w", s.index, err)
			}
		}
	}
}

// step advances the state machine by exactly one transition for the given
// latest block (spec §4.5 transition table).
func (s *BundleSender) step(ctx context.Context, latest chain.Block) error {
	switch s.state {
	case SenderIdle:
		if latest.Number == s.lastProposedBlock {
			return nil
		}
		s.state = SenderBuilding
		return s.step(ctx, latest)

	case SenderBuilding:
		s.lastProposedBlock = latest.Number
		bundle, err := s.proposer.ProposeBundle(ctx, latest)
		if err != nil {
			return fmt.Errorf("propose bundle: %w", err)
		}
		if bundle.IsEmpty() {
			s.state = SenderIdle
			return nil
		}
		return s.submit(ctx, bundle, false)

	case SenderPending:
		update, err := s.tracker.CheckForUpdate(ctx, latest)
		if err != nil {
			return fmt.Errorf("check for update: %w", err)
		}
		return s.handlePendingUpdate(ctx, latest, update)

	case SenderCancelling:
		update, err := s.tracker.CheckForUpdate(ctx, latest)
		if err != nil {
			return fmt.Errorf("check for update during cancel: %w", err)
		}
		if update.Kind == TrackerMined || s.cancelAttempts >= s.settings.MaxCancellationFeeIncreases {
			s.publish(emit.EventBundleCancelled, common.Hash{}, nil, "")
			s.giveUp()
			return nil
		}
		if update.Kind == TrackerStillPending {
			return s.bumpCancel(ctx)
		}
		s.giveUp()
		return nil

	case SenderStopped:
		return nil
	}
	return nil
}

func (s *BundleSender) handlePendingUpdate(ctx context.Context, latest chain.Block, update TrackerUpdate) error {
	switch update.Kind {
	case TrackerMined:
		opHashes := make([]common.Hash, 0)
		for _, g := range s.pendingGroups {
			for _, op := range g.Ops {
				opHashes = append(opHashes, op.Unwrap().Hash(s.entryPoint.Address(), s.proposer.settings.ChainID))
			}
		}
		if err := s.pool.RemoveOps(ctx, s.entryPoint.Address(), opHashes); err != nil {
			log.Warn("builder: failed to remove mined ops from pool", "err", err)
		}
		s.publish(emit.EventBundleMined, update.TxHash, opHashes, "")
		s.tracker.ResetAfterMine()
		s.resetToIdle()
		return nil

	case TrackerStillPending:
		s.attempt++
		if s.attempt <= s.settings.MaxBlocksToWaitForMine {
			return nil
		}
		fees, err := s.tracker.LastFees()
		if err != nil {
			return fmt.Errorf("resolve last fees for replacement: %w", err)
		}
		bumped := fees.BumpedBy(s.settings.ReplacementFeePercentIncrease)
		return s.resubmitSameOps(ctx, bumped)

	case TrackerReplacementUnderpriced:
		s.underpricedStreak++
		s.publish(emit.EventBundleReplacementUnderpriced, common.Hash{}, nil, "")
		if s.underpricedStreak < s.settings.MaxReplacementUnderpricedBlocks {
			fees, err := s.tracker.LastFees()
			if err != nil {
				return fmt.Errorf("resolve last fees after underpriced: %w", err)
			}
			return s.resubmitSameOps(ctx, fees.BumpedBy(s.settings.ReplacementFeePercentIncrease))
		}
		s.state = SenderCancelling
		s.cancelAttempts = 0
		return s.bumpCancel(ctx)

	case TrackerNonceUsedByExternal, TrackerDropped:
		reason := "dropped"
		kind := emit.EventBundleDropped
		if update.Kind == TrackerNonceUsedByExternal {
			reason = "nonce used by external transaction"
		}
		s.publish(kind, common.Hash{}, nil, reason)
		s.tracker.AbandonInFlight()
		s.resetToIdle()
		return nil
	}
	return nil
}

func (s *BundleSender) bumpCancel(ctx context.Context) error {
	fees, err := s.tracker.LastFees()
	if err != nil {
		return fmt.Errorf("resolve last fees for cancel: %w", err)
	}
	bumped := fees.BumpedBy(s.settings.ReplacementFeePercentIncrease)
	result, err := s.tracker.Cancel(ctx, bumped)
	if err != nil {
		return fmt.Errorf("submit cancel: %w", err)
	}
	if result.ReplacementUnderpriced {
		s.cancelAttempts++
		return nil
	}
	s.cancelAttempts++
	return nil
}

// resubmitSameOps re-proposes against the current tip if it advanced past
// the simulation pin, otherwise reuses the same op set with bumped fees
// (spec §4.5, "Fee-bump policy").
func (s *BundleSender) resubmitSameOps(ctx context.Context, fees Fees) error {
	latest, err := s.provider.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("resolve latest block for replacement: %w", err)
	}
	if latest.Number > s.lastProposedBlock {
		bundle, err := s.proposer.ProposeBundle(ctx, latest)
		if err != nil {
			return fmt.Errorf("re-propose for replacement: %w", err)
		}
		s.lastProposedBlock = latest.Number
		if bundle.IsEmpty() {
			s.tracker.AbandonInFlight()
			s.resetToIdle()
			return nil
		}
		return s.submit(ctx, bundle, true)
	}
	return s.submitGroups(ctx, s.pendingGroups, fees, s.lastGasLimit, true)
}

func (s *BundleSender) submit(ctx context.Context, bundle *types.Bundle, isReplacement bool) error {
	gasLimit := bundle.ExpectedGasLimit.Uint64()
	return s.submitGroups(ctx, bundle.Groups, Fees{MaxFeePerGas: bundle.MaxFeePerGas, MaxPriorityFeePerGas: bundle.MaxPriorityFeePerGas}, gasLimit, isReplacement)
}

func (s *BundleSender) submitGroups(ctx context.Context, groups []types.AggregatorGroup, fees Fees, gasLimit uint64, isReplacement bool) error {
	result, err := s.tracker.SubmitHandleOps(ctx, s.entryPoint, groups, s.proposer.settings.Beneficiary, gasLimit, fees)
	if err != nil {
		return fmt.Errorf("submit handle ops: %w", err)
	}
	if result.ReplacementUnderpriced {
		s.state = SenderPending
		s.underpricedStreak++
		return nil
	}
	if result.NonceUsed {
		s.tracker.AbandonInFlight()
		s.resetToIdle()
		return nil
	}
	s.pendingGroups = groups
	s.lastGasLimit = gasLimit
	s.state = SenderPending
	s.attempt = 1
	if !isReplacement {
		s.underpricedStreak = 0
	}
	s.publish(emit.EventBundleTxSent, result.TxHash, nil, "")
	return nil
}

func (s *BundleSender) resetToIdle() {
	s.pendingGroups = nil
	s.attempt = 0
	s.underpricedStreak = 0
	s.cancelAttempts = 0
	s.state = SenderIdle
}

func (s *BundleSender) giveUp() {
	s.tracker.AbandonInFlight()
	s.resetToIdle()
}

// State reports the sender's current state, for tests and diagnostics.
func (s *BundleSender) State() SenderState { return s.state }
