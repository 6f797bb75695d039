package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/shunsukew/rundler/types"
)

// EntryPointV06 wraps the v0.6 IEntryPoint contract (spec §4.1).
type EntryPointV06 struct {
	address  common.Address
	chainID  uint64
	provider Provider
}

var _ EntryPointProvider = (*EntryPointV06)(nil)

func NewEntryPointV06(address common.Address, chainID uint64, provider Provider) *EntryPointV06 {
	return &EntryPointV06{address: address, chainID: chainID, provider: provider}
}

func (e *EntryPointV06) Address() common.Address         { return e.address }
func (e *EntryPointV06) Version() types.EntryPointVersion { return types.EntryPointVersionV06 }

// userOpV06Components is the UserOperation tuple's field list, shared by
// every ABI type below that embeds it (single value, tuple[], and the
// aggregator-group wrapper tuple).
var userOpV06Components = []abi.ArgumentMarshaling{
	{Name: "sender", Type: "address"},
	{Name: "nonce", Type: "uint256"},
	{Name: "initCode", Type: "bytes"},
	{Name: "callData", Type: "bytes"},
	{Name: "callGasLimit", Type: "uint256"},
	{Name: "verificationGasLimit", Type: "uint256"},
	{Name: "preVerificationGas", Type: "uint256"},
	{Name: "maxFeePerGas", Type: "uint256"},
	{Name: "maxPriorityFeePerGas", Type: "uint256"},
	{Name: "paymasterAndData", Type: "bytes"},
	{Name: "signature", Type: "bytes"},
}

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic("chain: failed to build ABI type " + t + ": " + err.Error())
	}
	return typ
}

var (
	userOpV06TupleType      = mustType("tuple", userOpV06Components)
	userOpV06TupleSliceType = mustType("tuple[]", userOpV06Components)

	aggGroupV06Components = []abi.ArgumentMarshaling{
		{Name: "userOps", Type: "tuple[]", Components: userOpV06Components},
		{Name: "aggregator", Type: "address"},
		{Name: "signature", Type: "bytes"},
	}
	aggGroupV06TupleSliceType = mustType("tuple[]", aggGroupV06Components)
)

// userOpV06Tuple is the Go struct go-ethereum's ABI packer maps onto the
// UserOperation tuple above; field order and exported names must match.
type userOpV06Tuple struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

type aggGroupV06Tuple struct {
	UserOps    []userOpV06Tuple
	Aggregator common.Address
	Signature  []byte
}

func toUserOpV06Tuple(v types.UserOperationVariant) userOpV06Tuple {
	op := v.AsV06()
	return userOpV06Tuple{
		Sender:               op.SenderAddr,
		Nonce:                zeroIfNilLocal(op.OpNonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         zeroIfNilLocal(op.CallGasLimitValue),
		VerificationGasLimit: zeroIfNilLocal(op.VerificationGasLimit),
		PreVerificationGas:   zeroIfNilLocal(op.PreVerificationGas),
		MaxFeePerGas:         zeroIfNilLocal(op.MaxFeePerGasValue),
		MaxPriorityFeePerGas: zeroIfNilLocal(op.MaxPriorityFeeValue),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

func zeroIfNilLocal(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

var (
	handleOpsArgsV06 = abi.Arguments{
		{Type: userOpV06TupleSliceType},
		{Type: abiAddressLocal()},
	}
	handleAggregatedOpsArgsV06 = abi.Arguments{
		{Type: aggGroupV06TupleSliceType},
		{Type: abiAddressLocal()},
	}
	simulateValidationArgsV06 = abi.Arguments{{Type: userOpV06TupleType}}
)

// Selectors are the first 4 bytes of keccak256 of the respective
// IEntryPoint.sol v0.6 function signatures.
const (
	selectorHandleOps           = "1fad948c"
	selectorHandleAggregatedOps = "4b1d7cf5"
	selectorSimulateValidation  = "ee219423"
)

func (e *EntryPointV06) buildHandleOpsCalldata(groups []types.AggregatorGroup, beneficiary common.Address) ([]byte, error) {
	if usesPlainHandleOps(groups) {
		tuples := make([]userOpV06Tuple, len(groups[0].Ops))
		for i, op := range groups[0].Ops {
			tuples[i] = toUserOpV06Tuple(op)
		}
		packed, err := handleOpsArgsV06.Pack(tuples, beneficiary)
		if err != nil {
			return nil, fmt.Errorf("chain: pack handleOps: %w", err)
		}
		return append(common.FromHex(selectorHandleOps), packed...), nil
	}

	aggGroups := make([]aggGroupV06Tuple, len(groups))
	for i, g := range groups {
		tuples := make([]userOpV06Tuple, len(g.Ops))
		for j, op := range g.Ops {
			tuples[j] = toUserOpV06Tuple(op)
		}
		aggGroups[i] = aggGroupV06Tuple{UserOps: tuples, Aggregator: g.Aggregator, Signature: g.SignatureData}
	}
	packed, err := handleAggregatedOpsArgsV06.Pack(aggGroups, beneficiary)
	if err != nil {
		return nil, fmt.Errorf("chain: pack handleAggregatedOps: %w", err)
	}
	return append(common.FromHex(selectorHandleAggregatedOps), packed...), nil
}

func (e *EntryPointV06) SimulateValidation(ctx context.Context, op types.UserOperationVariant, block common.Hash) (ValidationOutput, error) {
	packed, err := simulateValidationArgsV06.Pack(toUserOpV06Tuple(op))
	if err != nil {
		return ValidationOutput{}, fmt.Errorf("chain: pack simulateValidation: %w", err)
	}
	calldata := append(common.FromHex(selectorSimulateValidation), packed...)

	trace, err := e.provider.CallWithTrace(ctx, CallMsg{To: &e.address, Data: calldata}, block)
	if err != nil {
		return ValidationOutput{}, err
	}

	// simulateValidation always reverts; the revert payload carries the
	// ValidationResult the contract would otherwise have to return.
	_, revertData, callErr := e.provider.Call(ctx, CallMsg{To: &e.address, Data: calldata}, block)
	if len(revertData) < 4 {
		if callErr != nil {
			return ValidationOutput{}, callErr
		}
		return ValidationOutput{}, fmt.Errorf("chain: simulateValidation returned no revert data")
	}
	out, err := decodeValidationResult(revertData)
	if err != nil {
		return ValidationOutput{}, err
	}
	out.Trace = trace
	return out, nil
}

func (e *EntryPointV06) EstimateHandleOpsGas(ctx context.Context, groups []types.AggregatorGroup, beneficiary common.Address) (HandleOpsOutcome, error) {
	calldata, err := e.buildHandleOpsCalldata(groups, beneficiary)
	if err != nil {
		return HandleOpsOutcome{}, err
	}
	gas, revertData, err := e.provider.EstimateGas(ctx, CallMsg{To: &e.address, Data: calldata})
	if err == nil {
		return HandleOpsOutcome{Kind: HandleOpsSuccess, Gas: gas}, nil
	}
	if len(revertData) >= 4 {
		if outcome, decodeErr := decodeRevert(revertData); decodeErr == nil {
			return outcome, nil
		}
	}
	return HandleOpsOutcome{}, err
}

func (e *EntryPointV06) SendHandleOps(ctx context.Context, groups []types.AggregatorGroup, beneficiary common.Address, gasLimit uint64, maxFeePerGas, maxPriorityFeePerGas *big.Int, nonce uint64, sign SignFunc) (common.Hash, error) {
	calldata, err := e.buildHandleOpsCalldata(groups, beneficiary)
	if err != nil {
		return common.Hash{}, err
	}
	unsignedTx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(e.chainID),
		Nonce:     nonce,
		GasTipCap: maxPriorityFeePerGas,
		GasFeeCap: maxFeePerGas,
		Gas:       gasLimit,
		To:        &e.address,
		Data:      calldata,
	})
	raw, err := unsignedTx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: marshal unsigned tx: %w", err)
	}
	signed, err := sign(ctx, raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign bundle tx: %w", err)
	}
	hash, err := e.provider.SendRawTransaction(ctx, signed)
	if err != nil {
		return common.Hash{}, err
	}
	log.Info("sent bundle transaction", "entryPoint", e.address, "hash", hash, "nonce", nonce, "ops", countOps(groups))
	return hash, nil
}

func countOps(groups []types.AggregatorGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Ops)
	}
	return n
}
