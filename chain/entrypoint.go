package chain

import (
	"context"
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/shunsukew/rundler/types"
)

// HandleOpsOutcomeKind tags the result of estimating gas for a handleOps /
// handleAggregatedOps call (spec §4.1).
type HandleOpsOutcomeKind int

const (
	HandleOpsSuccess HandleOpsOutcomeKind = iota
	HandleOpsFailedOp
	HandleOpsSignatureValidationFailed
)

// HandleOpsOutcome is the decoded result of estimate_handle_ops_gas: either
// a gas estimate, or one of the two ABI-decoded revert reasons the entry
// point contract can produce (spec §4.1).
type HandleOpsOutcome struct {
	Kind           HandleOpsOutcomeKind
	Gas            uint64
	FailedOpIndex  int
	FailedOpReason string
	Aggregator     common.Address
}

// ValidationOutput is the structural result of simulateValidation: per-
// entity stake info and the validity time range, before any storage-access
// classification is applied (spec §4.1, §4.2).
type ValidationOutput struct {
	SenderInfo    types.StakeInfo
	FactoryInfo   *types.StakeInfo
	PaymasterInfo *types.StakeInfo
	AggregatorInfo *AggregatorInfo

	ValidAfter  uint64
	ValidUntil  uint64
	PreOpGas    *big.Int
	Trace       CallTrace
	CodeHash    common.Hash
}

// AggregatorInfo is the aggregator address and stake returned by
// simulateValidation when an operation uses one.
type AggregatorInfo struct {
	Address common.Address
	Stake   types.StakeInfo
}

// AggregatorSimOut is the result of an aggregator's own signature-
// aggregation simulation, attached to a SimulationResult when present.
type AggregatorSimOut struct {
	Address       common.Address
	SignatureData []byte
	Valid         bool
}

// EntryPointProvider is the version-parametric wrapper over one entry
// point's on-chain ABI (spec §4.1): identical surface for v0.6 and v0.7,
// differing only in how the calls are ABI-encoded.
type EntryPointProvider interface {
	Address() common.Address
	Version() types.EntryPointVersion

	SimulateValidation(ctx context.Context, op types.UserOperationVariant, block common.Hash) (ValidationOutput, error)
	EstimateHandleOpsGas(ctx context.Context, groups []types.AggregatorGroup, beneficiary common.Address) (HandleOpsOutcome, error)
	SendHandleOps(ctx context.Context, groups []types.AggregatorGroup, beneficiary common.Address, gasLimit uint64, maxFeePerGas, maxPriorityFeePerGas *big.Int, nonce uint64, sign SignFunc) (common.Hash, error)
}

// SignFunc takes an unsigned transaction's binary encoding, signs it, and
// returns the raw signed transaction bytes, ready for SendRawTransaction. Implemented by the
// signer package so chain doesn't depend on it.
type SignFunc func(ctx context.Context, unsignedTx []byte) (signedTx []byte, err error)

// ABI selectors for the two revert reasons every entry point version can
// produce (spec §4.1): FailedOp(uint256,string) and
// SignatureValidationFailed(address).
var (
	failedOpArgs = abi.Arguments{
		{Type: abiUint256Local()},
		{Type: abiStringLocal()},
	}
	sigValidationFailedArgs = abi.Arguments{
		{Type: abiAddressLocal()},
	}
)

func abiUint256Local() abi.Type { t, _ := abi.NewType("uint256", "", nil); return t }
func abiStringLocal() abi.Type  { t, _ := abi.NewType("string", "", nil); return t }
func abiAddressLocal() abi.Type { t, _ := abi.NewType("address", "", nil); return t }

// decodeRevert inspects ABI-encoded revert data and maps the two known
// selectors into a HandleOpsOutcome; any other revert is returned as a
// plain error for the caller to propagate (spec §4.1).
func decodeRevert(data []byte) (HandleOpsOutcome, error) {
	if len(data) < 4 {
		return HandleOpsOutcome{}, fmt.Errorf("chain: revert data too short to decode")
	}
	selector := data[:4]
	body := data[4:]

	switch fmt.Sprintf("%x", selector) {
	case failedOpSelector:
		values, err := failedOpArgs.Unpack(body)
		if err != nil {
			return HandleOpsOutcome{}, fmt.Errorf("chain: decode FailedOp: %w", err)
		}
		return HandleOpsOutcome{
			Kind:           HandleOpsFailedOp,
			FailedOpIndex:  int(values[0].(*big.Int).Int64()),
			FailedOpReason: values[1].(string),
		}, nil
	case sigValidationFailedSelector:
		values, err := sigValidationFailedArgs.Unpack(body)
		if err != nil {
			return HandleOpsOutcome{}, fmt.Errorf("chain: decode SignatureValidationFailed: %w", err)
		}
		return HandleOpsOutcome{
			Kind:       HandleOpsSignatureValidationFailed,
			Aggregator: values[0].(common.Address),
		}, nil
	default:
		return HandleOpsOutcome{}, fmt.Errorf("chain: unrecognized revert selector %x", selector)
	}
}

// Selectors are the first 4 bytes of keccak256("FailedOp(uint256,string)")
// and keccak256("SignatureValidationFailed(address)").
const (
	failedOpSelector            = "220266b6"
	sigValidationFailedSelector = "86a9f750"
)

// Selectors are the first 4 bytes of keccak256 of IEntryPoint's two
// simulateValidation success reverts.
const (
	validationResultSelector              = "e0cff05f"
	validationResultWithAggregationSelector = "faecb4e4"
)

// returnInfo/stakeInfo mirror IEntryPoint.sol's ValidationResult structs.
// simulateValidation always reverts; on a well-formed operation the revert
// carries these rather than a gas estimate (spec §4.1, §4.2).
var (
	stakeInfoComponents = []abi.ArgumentMarshaling{
		{Name: "stake", Type: "uint256"},
		{Name: "unstakeDelaySec", Type: "uint256"},
	}
	returnInfoComponents = []abi.ArgumentMarshaling{
		{Name: "preOpGas", Type: "uint256"},
		{Name: "prefund", Type: "uint256"},
		{Name: "sigFailed", Type: "bool"},
		{Name: "validAfter", Type: "uint48"},
		{Name: "validUntil", Type: "uint48"},
		{Name: "paymasterContext", Type: "bytes"},
	}
	aggregatorStakeInfoComponents = []abi.ArgumentMarshaling{
		{Name: "aggregator", Type: "address"},
		{Name: "stakeInfo", Type: "tuple", Components: stakeInfoComponents},
	}

	stakeInfoType           = mustType("tuple", stakeInfoComponents)
	returnInfoType          = mustType("tuple", returnInfoComponents)
	aggregatorStakeInfoType = mustType("tuple", aggregatorStakeInfoComponents)

	validationResultArgs = abi.Arguments{
		{Type: returnInfoType},
		{Type: stakeInfoType},
		{Type: stakeInfoType},
		{Type: stakeInfoType},
	}
	validationResultWithAggregationArgs = abi.Arguments{
		{Type: returnInfoType},
		{Type: stakeInfoType},
		{Type: stakeInfoType},
		{Type: stakeInfoType},
		{Type: aggregatorStakeInfoType},
	}
)

// bigField reads a *big.Int-valued field off one of go-ethereum's
// dynamically constructed tuple structs by its ABI-derived (CamelCased)
// name, defaulting to zero if absent.
func bigField(v reflect.Value, name string) *big.Int {
	f := v.FieldByName(name)
	if !f.IsValid() {
		return big.NewInt(0)
	}
	if bi, ok := f.Interface().(*big.Int); ok && bi != nil {
		return bi
	}
	return big.NewInt(0)
}

func decodeStakeInfo(v reflect.Value) types.StakeInfo {
	return types.StakeInfo{
		Stake:           bigField(v, "Stake"),
		UnstakeDelaySec: uint32(bigField(v, "UnstakeDelaySec").Uint64()),
	}
}

// decodeValidationResult decodes simulateValidation's revert payload into a
// ValidationOutput, covering both the plain and aggregator-signing variants
// (spec §4.1: "simulate_validation → ValidationOutput"; §4.2 step 4 needs
// entity staking computed from this output; §4.3 step 3 needs pre_op_gas).
// FailedOp and SignatureValidationFailed are also valid simulateValidation
// reverts (the account, paymaster, or aggregator itself rejected the
// operation) and are surfaced as plain errors rather than a ValidationOutput.
func decodeValidationResult(data []byte) (ValidationOutput, error) {
	if len(data) < 4 {
		return ValidationOutput{}, fmt.Errorf("chain: simulateValidation revert too short to decode")
	}
	selector := fmt.Sprintf("%x", data[:4])
	body := data[4:]

	switch selector {
	case validationResultSelector:
		values, err := validationResultArgs.Unpack(body)
		if err != nil {
			return ValidationOutput{}, fmt.Errorf("chain: decode ValidationResult: %w", err)
		}
		return validationOutputFromValues(values), nil

	case validationResultWithAggregationSelector:
		values, err := validationResultWithAggregationArgs.Unpack(body)
		if err != nil {
			return ValidationOutput{}, fmt.Errorf("chain: decode ValidationResultWithAggregation: %w", err)
		}
		out := validationOutputFromValues(values[:4])
		aggStruct := reflect.ValueOf(values[4])
		addr, _ := aggStruct.FieldByName("Aggregator").Interface().(common.Address)
		stake := decodeStakeInfo(aggStruct.FieldByName("StakeInfo"))
		out.AggregatorInfo = &AggregatorInfo{Address: addr, Stake: stake}
		return out, nil

	case failedOpSelector:
		outcome, err := decodeRevert(data)
		if err != nil {
			return ValidationOutput{}, fmt.Errorf("chain: decode FailedOp from simulateValidation: %w", err)
		}
		return ValidationOutput{}, fmt.Errorf("chain: simulateValidation FailedOp(%d, %q)", outcome.FailedOpIndex, outcome.FailedOpReason)

	case sigValidationFailedSelector:
		outcome, err := decodeRevert(data)
		if err != nil {
			return ValidationOutput{}, fmt.Errorf("chain: decode SignatureValidationFailed from simulateValidation: %w", err)
		}
		return ValidationOutput{}, fmt.Errorf("chain: simulateValidation signature validation failed for aggregator %s", outcome.Aggregator)

	default:
		return ValidationOutput{}, fmt.Errorf("chain: unrecognized simulateValidation revert selector %x", data[:4])
	}
}

// validationOutputFromValues reads the common ValidationResult prefix
// (returnInfo, senderInfo, factoryInfo, paymasterInfo) shared by both the
// plain and with-aggregation reverts.
func validationOutputFromValues(values []interface{}) ValidationOutput {
	returnInfo := reflect.ValueOf(values[0])
	senderInfo := decodeStakeInfo(reflect.ValueOf(values[1]))
	factoryInfo := decodeStakeInfo(reflect.ValueOf(values[2]))
	paymasterInfo := decodeStakeInfo(reflect.ValueOf(values[3]))
	return ValidationOutput{
		SenderInfo:    senderInfo,
		FactoryInfo:   &factoryInfo,
		PaymasterInfo: &paymasterInfo,
		ValidAfter:    bigField(returnInfo, "ValidAfter").Uint64(),
		ValidUntil:    bigField(returnInfo, "ValidUntil").Uint64(),
		PreOpGas:      bigField(returnInfo, "PreOpGas"),
	}
}

// usesPlainHandleOps picks handleOps vs handleAggregatedOps: a single
// aggregator-zero group uses handleOps, anything else (any non-zero
// aggregator, or more than one group) uses handleAggregatedOps (spec §4.1,
// mirroring get_handle_ops_call in the original source).
func usesPlainHandleOps(groups []types.AggregatorGroup) bool {
	return len(groups) == 1 && groups[0].Aggregator == (common.Address{})
}
