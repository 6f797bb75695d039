package builder

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/shunsukew/rundler/chain"
	"github.com/shunsukew/rundler/pool"
	"github.com/shunsukew/rundler/sim"
	"github.com/shunsukew/rundler/types"
)

// PriorityFeeModeKind selects how the proposer derives the bundle's
// priority fee from chain data (spec §6).
type PriorityFeeModeKind int

const (
	PriorityFeeModeBaseFeePercent PriorityFeeModeKind = iota
	PriorityFeeModePriorityFeeIncrease
)

// PriorityFeeMode is `{ BaseFeePercent(p) | PriorityFeeIncrease(p) }` (spec
// §6).
type PriorityFeeMode struct {
	Kind    PriorityFeeModeKind
	Percent uint64
}

// resolve computes the bundle's base priority fee from the current base
// fee and the network's median reported priority fee.
func (m PriorityFeeMode) resolve(baseFee, networkPriorityFee *big.Int) *big.Int {
	switch m.Kind {
	case PriorityFeeModeBaseFeePercent:
		return new(big.Int).Div(new(big.Int).Mul(baseFee, big.NewInt(int64(m.Percent))), big.NewInt(100))
	default:
		return bumpByPercent(networkPriorityFee, m.Percent)
	}
}

// ProposerSettings configures one BundleProposer instance (spec §4.3, §6).
type ProposerSettings struct {
	ChainID                          uint64
	MaxBundleSize                    uint64
	MaxBundleGas                     uint64
	Beneficiary                      common.Address
	PriorityFeeMode                  PriorityFeeMode
	BundlePriorityFeeOverheadPercent uint64
}

const maxFailedOpRetries = 5

// BundleProposer selects a gas-bounded, simulated set of operations from
// the pool and assembles them into a Bundle (spec §4.3).
type BundleProposer struct {
	index             uint64
	entryPoint        chain.EntryPointProvider
	entryPointVersion types.EntryPointVersion
	pool              pool.Pool
	simulator         sim.Simulator
	provider          chain.Provider
	settings          ProposerSettings
}

func NewBundleProposer(index uint64, p pool.Pool, simulator sim.Simulator, ep chain.EntryPointProvider, provider chain.Provider, settings ProposerSettings) *BundleProposer {
	return &BundleProposer{index: index, entryPoint: ep, entryPointVersion: ep.Version(), pool: p, simulator: simulator, provider: provider, settings: settings}
}

// ProposeBundle runs the full propose_bundle procedure (spec §4.3).
func (p *BundleProposer) ProposeBundle(ctx context.Context, latestBlock chain.Block) (*types.Bundle, error) {
	candidates, err := p.pool.BestUserOps(ctx, p.entryPoint.Address(), p.settings.MaxBundleSize)
	if err != nil {
		return nil, fmt.Errorf("builder: fetch best user ops: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	networkPriorityFee, err := p.networkPriorityFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("builder: resolve network priority fee: %w", err)
	}
	basePriorityFee := p.settings.PriorityFeeMode.resolve(latestBlock.BaseFee, networkPriorityFee)
	bundlePriorityFee := bumpByPercent(basePriorityFee, p.settings.BundlePriorityFeeOverheadPercent)
	bundleMaxFee := new(big.Int).Add(latestBlock.BaseFee, bundlePriorityFee)

	groups := map[common.Address]*types.AggregatorGroup{}
	var groupOrder []common.Address
	expectedGas := new(big.Int)

	for _, candidate := range candidates {
		unwrapped := candidate.Unwrap()
		opHash := unwrapped.Hash(p.entryPoint.Address(), p.settings.ChainID)

		if unwrapped.MaxPriorityFeePerGas().Cmp(bundlePriorityFee) < 0 {
			continue
		}

		result, simErr := p.simulator.SimulateValidation(ctx, candidate, &latestBlock.Hash, nil)
		if simErr != nil {
			merr := sim.ExtractMempoolError(simErr)
			if markErr := p.pool.MarkInvalid(ctx, p.entryPoint.Address(), opHash, merr); markErr != nil {
				log.Warn("builder: failed to mark op invalid", "opHash", opHash, "err", markErr)
			}
			continue
		}

		preOpGas := result.PreOpGas
		if preOpGas == nil {
			preOpGas = big.NewInt(0)
		}
		opGas := new(big.Int).Add(preOpGas, unwrapped.CallGasLimit())
		opGas.Add(opGas, unwrapped.PaymasterPostOpGasLimit())
		candidateGas := new(big.Int).Add(expectedGas, opGas)
		if candidateGas.Cmp(new(big.Int).SetUint64(p.settings.MaxBundleGas)) > 0 {
			break
		}

		aggregator := unwrapped.Aggregator()
		group, ok := groups[aggregator]
		if !ok {
			group = &types.AggregatorGroup{Aggregator: aggregator}
			groups[aggregator] = group
			groupOrder = append(groupOrder, aggregator)
		}
		group.Ops = append(group.Ops, candidate)
		expectedGas = candidateGas
	}

	if len(groupOrder) == 0 {
		return nil, nil
	}

	var orderedGroups []types.AggregatorGroup
	var estimatedGas uint64
	for _, aggAddr := range groupOrder {
		group := groups[aggAddr]
		if aggAddr != (common.Address{}) {
			sigData, err := p.requestAggregateSignature(ctx, *group)
			if err != nil {
				log.Warn("builder: aggregator signature request failed, dropping group", "aggregator", aggAddr, "err", err)
				continue
			}
			group.SignatureData = sigData
		}

		gas, kept, err := p.estimateWithRetries(ctx, group, p.settings.Beneficiary)
		if err != nil {
			log.Warn("builder: dropping aggregator group after estimate failure", "aggregator", aggAddr, "err", err)
			continue
		}
		if len(kept.Ops) == 0 {
			continue
		}
		orderedGroups = append(orderedGroups, *kept)
		estimatedGas += gas
	}

	if len(orderedGroups) == 0 {
		return nil, nil
	}

	const safetyMarginPercent = 10
	expectedGasLimit := bumpByPercent(new(big.Int).SetUint64(estimatedGas), safetyMarginPercent)

	return &types.Bundle{
		EntryPoint:           p.entryPoint.Address(),
		Version:              p.entryPointVersion,
		Groups:               orderedGroups,
		Beneficiary:          p.settings.Beneficiary,
		MaxFeePerGas:         bundleMaxFee,
		MaxPriorityFeePerGas: bundlePriorityFee,
		ExpectedGasLimit:     expectedGasLimit,
	}, nil
}

// estimateWithRetries calls estimate_handle_ops_gas, retrying up to
// maxFailedOpRetries times by dropping the offending op on FailedOp, and
// dropping the whole group on SignatureValidationFailed (spec §4.3 step 4).
func (p *BundleProposer) estimateWithRetries(ctx context.Context, group *types.AggregatorGroup, beneficiary common.Address) (uint64, *types.AggregatorGroup, error) {
	working := *group
	working.Ops = append([]types.UserOperationVariant{}, group.Ops...)

	for attempt := 0; attempt <= maxFailedOpRetries; attempt++ {
		if len(working.Ops) == 0 {
			return 0, &working, nil
		}
		outcome, err := p.entryPoint.EstimateHandleOpsGas(ctx, []types.AggregatorGroup{working}, beneficiary)
		if err != nil {
			return 0, nil, err
		}
		switch outcome.Kind {
		case chain.HandleOpsSuccess:
			return outcome.Gas, &working, nil
		case chain.HandleOpsFailedOp:
			if outcome.FailedOpIndex < 0 || outcome.FailedOpIndex >= len(working.Ops) {
				return 0, nil, fmt.Errorf("builder: FailedOp index %d out of range", outcome.FailedOpIndex)
			}
			working.Ops = append(working.Ops[:outcome.FailedOpIndex], working.Ops[outcome.FailedOpIndex+1:]...)
			continue
		case chain.HandleOpsSignatureValidationFailed:
			return 0, nil, fmt.Errorf("builder: aggregator %s signature validation failed", outcome.Aggregator)
		default:
			return 0, nil, fmt.Errorf("builder: unrecognized estimate outcome")
		}
	}
	return 0, nil, fmt.Errorf("builder: exceeded retry budget removing failed ops")
}

// requestAggregateSignature asks the group's aggregator contract to
// aggregate its members' individual signatures into one. Aggregator
// simulation is a per-aggregator RPC call outside EntryPointProvider's
// surface (it targets the aggregator contract, not the entry point); a full
// deployment injects an AggregatorProvider keyed by address here.
func (p *BundleProposer) requestAggregateSignature(ctx context.Context, group types.AggregatorGroup) ([]byte, error) {
	return nil, fmt.Errorf("builder: no aggregator provider configured for %s", group.Aggregator)
}

func (p *BundleProposer) networkPriorityFee(ctx context.Context) (*big.Int, error) {
	hist, err := p.provider.FeeHistory(ctx, 10, []float64{50})
	if err != nil {
		return nil, err
	}
	if len(hist.Reward) == 0 || len(hist.Reward[len(hist.Reward)-1]) == 0 {
		return big.NewInt(0), nil
	}
	last := hist.Reward[len(hist.Reward)-1]
	return last[0], nil
}
