package sim

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/shunsukew/rundler/chain"
	"github.com/shunsukew/rundler/types"
)

// SimulationResult is everything the proposer needs about one successfully
// validated operation (spec §3).
type SimulationResult struct {
	BlockHash            common.Hash
	BlockNumber          uint64
	PreOpGas             *big.Int
	ValidAfter           uint64
	ValidUntil           uint64
	Aggregator           *chain.AggregatorSimOut
	CodeHash             common.Hash
	EntitiesNeedingStake []types.EntityType
	AccountIsStaked      bool
	AccessedAddresses    map[common.Address]struct{}
	AssociatedAddresses  map[common.Address]struct{}
	RequiresPostOp       bool
	EntityInfos          types.EntityInfos
}

// SimulationError is the failed-validation result: the violations found, or
// an opaque error if validation could not be completed at all. EntityInfos
// is populated whenever simulation got far enough to resolve entity staking
// (spec §3).
type SimulationError struct {
	Violations  []types.SimulationViolation
	Err         error
	EntityInfos *types.EntityInfos
}

func (e *SimulationError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if len(e.Violations) > 0 {
		return e.Violations[0].Error()
	}
	return "sim: validation failed"
}

// ExtractMempoolError picks the single most severe violation (spec §4.2,
// "Violation ordering") and packages it as the MempoolError the pool
// understands. With no violations, the underlying error is surfaced as-is.
func ExtractMempoolError(simErr *SimulationError) *types.MempoolError {
	if len(simErr.Violations) == 0 {
		return &types.MempoolError{Kind: types.MempoolErrorOther, Err: simErr}
	}
	minIdx := 0
	for i := 1; i < len(simErr.Violations); i++ {
		if simErr.Violations[i].Less(simErr.Violations[minIdx]) {
			minIdx = i
		}
	}
	violation := simErr.Violations[minIdx]
	// Replace in place with a sentinel so a caller iterating the original
	// slice after extraction doesn't see the same violation twice.
	simErr.Violations[minIdx] = types.SimulationViolation{Code: types.ViolationDidNotRevert, Message: "extracted"}
	return &types.MempoolError{Kind: types.MempoolErrorSimulationViolation, Violation: violation}
}

// Simulator runs ERC-4337 validation simulation for one user operation and
// classifies the result (spec §4.2).
type Simulator interface {
	SimulateValidation(ctx context.Context, op types.UserOperationVariant, blockHash *common.Hash, expectedCodeHash *common.Hash) (*SimulationResult, *SimulationError)
}

// TracingSimulator is the default Simulator: it calls simulateValidation via
// the entry point, then classifies every storage access the trace reports
// against the rule engine in storage.go (spec §4.2).
type TracingSimulator struct {
	EntryPoint         chain.EntryPointProvider
	Provider           chain.Provider
	Settings           Settings
	AllowUnstaked      map[common.Address]struct{}
}

var _ Simulator = (*TracingSimulator)(nil)

func NewTracingSimulator(ep chain.EntryPointProvider, provider chain.Provider, settings Settings, allowUnstaked map[common.Address]struct{}) *TracingSimulator {
	return &TracingSimulator{EntryPoint: ep, Provider: provider, Settings: settings, AllowUnstaked: allowUnstaked}
}

func (s *TracingSimulator) SimulateValidation(ctx context.Context, op types.UserOperationVariant, blockHash *common.Hash, expectedCodeHash *common.Hash) (*SimulationResult, *SimulationError) {
	unwrapped := op.Unwrap()

	var resolvedBlock common.Hash
	if blockHash != nil {
		resolvedBlock = *blockHash
	} else {
		latest, err := s.Provider.LatestBlock(ctx)
		if err != nil {
			return nil, &SimulationError{Err: fmt.Errorf("sim: resolve latest block: %w", err)}
		}
		resolvedBlock = latest.Hash
	}

	out, err := s.EntryPoint.SimulateValidation(ctx, op, resolvedBlock)
	if err != nil {
		return nil, &SimulationError{Err: fmt.Errorf("sim: simulateValidation call: %w", err)}
	}

	factoryAddr, hasFactory := unwrapped.Factory()
	paymasterAddr, hasPaymaster := unwrapped.Paymaster()
	entityInfos := s.infosFromValidationOutput(unwrapped.Sender(), factoryAddr, hasFactory, paymasterAddr, hasPaymaster, out)
	overrideUnstaked(&entityInfos, s.AllowUnstaked)

	var violations []types.SimulationViolation

	if expectedCodeHash != nil && *expectedCodeHash != out.CodeHash {
		violations = append(violations, types.SimulationViolation{Code: types.ViolationCodeHashChanged, Message: "accessed contract code changed since last simulation"})
	}

	associated := NewAssociatedSlotsByAddress(out.Trace.AssociatedSlots)
	accessedAddresses := map[common.Address]struct{}{}
	associatedAddresses := map[common.Address]struct{}{}
	entitiesNeedingStakeSet := map[types.EntityType]struct{}{}

	for phaseIdx, phase := range out.Trace.Phases {
		entityKind, ok := entityTypeFromPhase(phaseIdx)
		if !ok {
			continue
		}
		entityAddr := addressForKind(entityKind, unwrapped, factoryAddr, hasFactory, paymasterAddr, hasPaymaster)
		entity := types.Entity{Kind: entityKind, Address: entityAddr}

		for addr, access := range phase.Accesses {
			accessedAddresses[addr] = struct{}{}
			for slotBytes := range access.Reads {
				s.classifyOne(&violations, entitiesNeedingStakeSet, associatedAddresses, &entityInfos, accessArgs{
					Entity: entity, Address: addr, Slot: new(big.Int).SetBytes(slotBytes[:]), IsWrite: false,
					Sender: unwrapped.Sender(), EntryPoint: s.EntryPoint.Address(), HasFactory: hasFactory, SlotsByAddr: associated,
				})
			}
			for slotBytes := range access.Writes {
				s.classifyOne(&violations, entitiesNeedingStakeSet, associatedAddresses, &entityInfos, accessArgs{
					Entity: entity, Address: addr, Slot: new(big.Int).SetBytes(slotBytes[:]), IsWrite: true,
					Sender: unwrapped.Sender(), EntryPoint: s.EntryPoint.Address(), HasFactory: hasFactory, SlotsByAddr: associated,
				})
			}
		}
	}

	if len(violations) > 0 {
		return nil, &SimulationError{Violations: violations, EntityInfos: &entityInfos}
	}

	entitiesNeedingStake := make([]types.EntityType, 0, len(entitiesNeedingStakeSet))
	for k := range entitiesNeedingStakeSet {
		entitiesNeedingStake = append(entitiesNeedingStake, k)
	}
	sort.Slice(entitiesNeedingStake, func(i, j int) bool { return entitiesNeedingStake[i] < entitiesNeedingStake[j] })

	var aggOut *chain.AggregatorSimOut
	if out.AggregatorInfo != nil {
		aggOut = &chain.AggregatorSimOut{Address: out.AggregatorInfo.Address}
	}

	return &SimulationResult{
		BlockHash:            resolvedBlock,
		PreOpGas:             out.PreOpGas,
		ValidAfter:           out.ValidAfter,
		ValidUntil:           out.ValidUntil,
		Aggregator:           aggOut,
		CodeHash:             out.CodeHash,
		EntitiesNeedingStake: entitiesNeedingStake,
		AccountIsStaked:      entityInfos.Sender.IsStaked,
		AccessedAddresses:    accessedAddresses,
		AssociatedAddresses:  associatedAddresses,
		RequiresPostOp:       hasPaymaster,
		EntityInfos:          entityInfos,
	}, nil
}

// classifyOne runs one access through the rule engine and, for a
// restriction that resolves to NeedsStake, checks the named entity's
// resolved staking state before deciding whether a violation is produced
// (spec §4.2: "Each NeedsStake produces a violation only if the named
// entity is not staked").
func (s *TracingSimulator) classifyOne(violations *[]types.SimulationViolation, needingStake map[types.EntityType]struct{}, associatedAddresses map[common.Address]struct{}, infos *types.EntityInfos, args accessArgs) {
	restriction := classifyAccess(args)
	switch restriction.Kind {
	case restrictionAllowed:
		return
	case restrictionBanned:
		*violations = append(*violations, types.SimulationViolation{
			Code:    types.ViolationForbiddenStorage,
			Entity:  &args.Entity,
			Message: "write to unrelated external storage slot",
			Address: restriction.Address,
			Slot:    restriction.Slot,
		})
		return
	case restrictionNeedsStake:
		needingStake[restriction.EntityNeedingStake] = struct{}{}
		associatedAddresses[args.Address] = struct{}{}

		entityInfo := infos.ForKind(restriction.EntityNeedingStake)
		if entityInfo != nil && entityInfo.IsStaked {
			return
		}
		needingStakeEntity := types.Entity{Kind: restriction.EntityNeedingStake}
		if entityInfo != nil {
			needingStakeEntity.Address = entityInfo.Address
		}
		*violations = append(*violations, types.SimulationViolation{
			Code:    types.ViolationUnstakedEntityNeedsStake,
			Entity:  &needingStakeEntity,
			Message: "unstaked entity accessed restricted storage",
			Address: restriction.Address,
			Slot:    restriction.Slot,
		})
	}
}

func entityTypeFromPhase(i int) (types.EntityType, bool) {
	switch i {
	case 0:
		return types.EntityTypeFactory, true
	case 1:
		return types.EntityTypeAccount, true
	case 2:
		return types.EntityTypePaymaster, true
	default:
		return 0, false
	}
}

func addressForKind(kind types.EntityType, op types.UserOperation, factory common.Address, hasFactory bool, paymaster common.Address, hasPaymaster bool) common.Address {
	switch kind {
	case types.EntityTypeAccount:
		return op.Sender()
	case types.EntityTypeFactory:
		if hasFactory {
			return factory
		}
	case types.EntityTypePaymaster:
		if hasPaymaster {
			return paymaster
		}
	}
	return common.Address{}
}

func (s *TracingSimulator) infosFromValidationOutput(sender, factory common.Address, hasFactory bool, paymaster common.Address, hasPaymaster bool, out chain.ValidationOutput) types.EntityInfos {
	infos := types.EntityInfos{
		Sender: types.EntityInfo{Address: sender, IsStaked: out.SenderInfo.IsStaked(s.Settings.MinStakeValue, s.Settings.MinUnstakeDelaySec)},
	}
	if hasFactory && out.FactoryInfo != nil {
		infos.Factory = &types.EntityInfo{Address: factory, IsStaked: out.FactoryInfo.IsStaked(s.Settings.MinStakeValue, s.Settings.MinUnstakeDelaySec)}
	}
	if hasPaymaster && out.PaymasterInfo != nil {
		infos.Paymaster = &types.EntityInfo{Address: paymaster, IsStaked: out.PaymasterInfo.IsStaked(s.Settings.MinStakeValue, s.Settings.MinUnstakeDelaySec)}
	}
	if out.AggregatorInfo != nil {
		infos.Aggregator = &types.EntityInfo{
			Address:  out.AggregatorInfo.Address,
			IsStaked: out.AggregatorInfo.Stake.IsStaked(s.Settings.MinStakeValue, s.Settings.MinUnstakeDelaySec),
		}
	}
	return infos
}

// overrideUnstaked forces is_staked=true for any entity address on the
// caller-supplied allow-list (spec §4.2, "An allow-list of unstaked
// addresses may force is_staked = true").
func overrideUnstaked(infos *types.EntityInfos, allow map[common.Address]struct{}) {
	override := func(ei *types.EntityInfo) {
		if ei == nil {
			return
		}
		if _, ok := allow[ei.Address]; ok {
			ei.IsStaked = true
		}
	}
	override(&infos.Sender)
	override(infos.Factory)
	override(infos.Paymaster)
	override(infos.Aggregator)
}
