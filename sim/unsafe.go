package sim

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/shunsukew/rundler/chain"
	"github.com/shunsukew/rundler/types"
)

// UnsafeSimulator skips trace classification entirely and trusts the entry
// point's own structural validation output (spec §4.2, "Unsafe mode"). It
// gets that output from EntryPoint.SimulateValidation, which issues a
// debug_traceCall before decoding the result, so it fails against an RPC
// that does not expose the debug_traceCall tracer.
type UnsafeSimulator struct {
	EntryPoint    chain.EntryPointProvider
	Provider      chain.Provider
	Settings      Settings
	AllowUnstaked map[common.Address]struct{}
}

var _ Simulator = (*UnsafeSimulator)(nil)

func NewUnsafeSimulator(ep chain.EntryPointProvider, provider chain.Provider, settings Settings, allowUnstaked map[common.Address]struct{}) *UnsafeSimulator {
	return &UnsafeSimulator{EntryPoint: ep, Provider: provider, Settings: settings, AllowUnstaked: allowUnstaked}
}

func (s *UnsafeSimulator) SimulateValidation(ctx context.Context, op types.UserOperationVariant, blockHash *common.Hash, expectedCodeHash *common.Hash) (*SimulationResult, *SimulationError) {
	unwrapped := op.Unwrap()

	var resolvedBlock common.Hash
	if blockHash != nil {
		resolvedBlock = *blockHash
	} else {
		latest, err := s.Provider.LatestBlock(ctx)
		if err != nil {
			return nil, &SimulationError{Err: err}
		}
		resolvedBlock = latest.Hash
	}

	out, err := s.EntryPoint.SimulateValidation(ctx, op, resolvedBlock)
	if err != nil {
		return nil, &SimulationError{Err: err}
	}

	if expectedCodeHash != nil && *expectedCodeHash != out.CodeHash {
		return nil, &SimulationError{Violations: []types.SimulationViolation{
			{Code: types.ViolationCodeHashChanged, Message: "accessed contract code changed since last simulation"},
		}}
	}

	factoryAddr, hasFactory := unwrapped.Factory()
	paymasterAddr, hasPaymaster := unwrapped.Paymaster()

	infos := types.EntityInfos{
		Sender: types.EntityInfo{Address: unwrapped.Sender(), IsStaked: out.SenderInfo.IsStaked(s.Settings.MinStakeValue, s.Settings.MinUnstakeDelaySec)},
	}
	if hasFactory && out.FactoryInfo != nil {
		infos.Factory = &types.EntityInfo{Address: factoryAddr, IsStaked: out.FactoryInfo.IsStaked(s.Settings.MinStakeValue, s.Settings.MinUnstakeDelaySec)}
	}
	if hasPaymaster && out.PaymasterInfo != nil {
		infos.Paymaster = &types.EntityInfo{Address: paymasterAddr, IsStaked: out.PaymasterInfo.IsStaked(s.Settings.MinStakeValue, s.Settings.MinUnstakeDelaySec)}
	}
	overrideUnstaked(&infos, s.AllowUnstaked)

	return &SimulationResult{
		BlockHash:       resolvedBlock,
		PreOpGas:        out.PreOpGas,
		ValidAfter:      out.ValidAfter,
		ValidUntil:      out.ValidUntil,
		CodeHash:        out.CodeHash,
		AccountIsStaked: infos.Sender.IsStaked,
		RequiresPostOp:  hasPaymaster,
		EntityInfos:     infos,
	}, nil
}
