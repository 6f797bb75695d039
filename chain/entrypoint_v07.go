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

// EntryPointV07 wraps the v0.7 IEntryPoint contract, whose ABI takes the
// PackedUserOperation shape (gas-limit and fee pairs packed into single
// bytes32 words) rather than v0.6's flat tuple (spec §4.1, §3).
type EntryPointV07 struct {
	address  common.Address
	chainID  uint64
	provider Provider
}

var _ EntryPointProvider = (*EntryPointV07)(nil)

func NewEntryPointV07(address common.Address, chainID uint64, provider Provider) *EntryPointV07 {
	return &EntryPointV07{address: address, chainID: chainID, provider: provider}
}

func (e *EntryPointV07) Address() common.Address          { return e.address }
func (e *EntryPointV07) Version() types.EntryPointVersion  { return types.EntryPointVersionV07 }

// packedUserOpV07Components mirrors Solidity's PackedUserOperation struct:
// dynamic factory/paymaster data stay raw bytes since the contract itself
// decodes initCode/paymasterAndData, but accountGasLimits and gasFees are
// single packed bytes32 words.
var packedUserOpV07Components = []abi.ArgumentMarshaling{
	{Name: "sender", Type: "address"},
	{Name: "nonce", Type: "uint256"},
	{Name: "initCode", Type: "bytes"},
	{Name: "callData", Type: "bytes"},
	{Name: "accountGasLimits", Type: "bytes32"},
	{Name: "preVerificationGas", Type: "uint256"},
	{Name: "gasFees", Type: "bytes32"},
	{Name: "paymasterAndData", Type: "bytes"},
	{Name: "signature", Type: "bytes"},
}

var (
	packedUserOpV07TupleType      = mustType("tuple", packedUserOpV07Components)
	packedUserOpV07TupleSliceType = mustType("tuple[]", packedUserOpV07Components)

	aggGroupV07Components = []abi.ArgumentMarshaling{
		{Name: "userOps", Type: "tuple[]", Components: packedUserOpV07Components},
		{Name: "aggregator", Type: "address"},
		{Name: "signature", Type: "bytes"},
	}
	aggGroupV07TupleSliceType = mustType("tuple[]", aggGroupV07Components)
)

type packedUserOpV07Tuple struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

type aggGroupV07Tuple struct {
	UserOps    []packedUserOpV07Tuple
	Aggregator common.Address
	Signature  []byte
}

// toPackedUserOpV07Tuple reconstructs the on-chain PackedUserOperation from
// the split v0.7 wire fields. The v0.7 calldata encoder and the op-hash
// encoder (types.UserOperationV07.Pack) deliberately diverge here: the
// calldata carries the raw initCode/paymasterAndData bytes so the entry
// point can decode them, while the hash pre-hashes those same fields.
func toPackedUserOpV07Tuple(v types.UserOperationVariant) packedUserOpV07Tuple {
	op := v.AsV07()
	var initCode, paymasterAndData []byte
	if factory, ok := op.Factory(); ok {
		initCode = append(append([]byte{}, factory.Bytes()...), op.FactoryData...)
	}
	if paymaster, ok := op.Paymaster(); ok {
		paymasterAndData = append(append([]byte{}, paymaster.Bytes()...), leftPad16Local(op.PaymasterVerificationGasLimit())...)
		paymasterAndData = append(paymasterAndData, leftPad16Local(op.PaymasterPostOpGasLimit())...)
		paymasterAndData = append(paymasterAndData, op.PaymasterData...)
	}
	return packedUserOpV07Tuple{
		Sender:             op.Sender(),
		Nonce:              zeroIfNilLocal(op.Nonce()),
		InitCode:           initCode,
		CallData:           op.CallData,
		AccountGasLimits:   packed32Local(zeroIfNilLocal(op.VerificationGasLimit()), zeroIfNilLocal(op.CallGasLimit())),
		PreVerificationGas: zeroIfNilLocal(op.PreVerificationGas()),
		GasFees:            packed32Local(zeroIfNilLocal(op.MaxPriorityFeePerGas()), zeroIfNilLocal(op.MaxFeePerGas())),
		PaymasterAndData:   paymasterAndData,
		Signature:          op.Signature,
	}
}

func leftPad16Local(v *big.Int) []byte {
	b := v.Bytes()
	out := make([]byte, 16)
	copy(out[16-len(b):], b)
	return out
}

func packed32Local(hi, lo *big.Int) [32]byte {
	var out [32]byte
	copy(out[0:16], leftPad16Local(hi))
	copy(out[16:32], leftPad16Local(lo))
	return out
}

var (
	handleOpsArgsV07 = abi.Arguments{
		{Type: packedUserOpV07TupleSliceType},
		{Type: abiAddressLocal()},
	}
	handleAggregatedOpsArgsV07 = abi.Arguments{
		{Type: aggGroupV07TupleSliceType},
		{Type: abiAddressLocal()},
	}
	simulateValidationArgsV07 = abi.Arguments{{Type: packedUserOpV07TupleType}}
)

// Selectors of the v0.7 function signatures, which take PackedUserOperation
// tuples and so differ from the v0.6 selectors.
const (
	selectorHandleOpsV07           = "765e827f"
	selectorHandleAggregatedOpsV07 = "dbed18e0"
	selectorSimulateValidationV07  = "c3bce009"
)

func (e *EntryPointV07) buildHandleOpsCalldata(groups []types.AggregatorGroup, beneficiary common.Address) ([]byte, error) {
	if usesPlainHandleOps(groups) {
		tuples := make([]packedUserOpV07Tuple, len(groups[0].Ops))
		for i, op := range groups[0].Ops {
			tuples[i] = toPackedUserOpV07Tuple(op)
		}
		packed, err := handleOpsArgsV07.Pack(tuples, beneficiary)
		if err != nil {
			return nil, fmt.Errorf("chain: pack handleOps (v0.7): %w", err)
		}
		return append(common.FromHex(selectorHandleOpsV07), packed...), nil
	}

	aggGroups := make([]aggGroupV07Tuple, len(groups))
	for i, g := range groups {
		tuples := make([]packedUserOpV07Tuple, len(g.Ops))
		for j, op := range g.Ops {
			tuples[j] = toPackedUserOpV07Tuple(op)
		}
		aggGroups[i] = aggGroupV07Tuple{UserOps: tuples, Aggregator: g.Aggregator, Signature: g.SignatureData}
	}
	packed, err := handleAggregatedOpsArgsV07.Pack(aggGroups, beneficiary)
	if err != nil {
		return nil, fmt.Errorf("chain: pack handleAggregatedOps (v0.7): %w", err)
	}
	return append(common.FromHex(selectorHandleAggregatedOpsV07), packed...), nil
}

func (e *EntryPointV07) SimulateValidation(ctx context.Context, op types.UserOperationVariant, block common.Hash) (ValidationOutput, error) {
	packed, err := simulateValidationArgsV07.Pack(toPackedUserOpV07Tuple(op))
	if err != nil {
		return ValidationOutput{}, fmt.Errorf("chain: pack simulateValidation (v0.7): %w", err)
	}
	calldata := append(common.FromHex(selectorSimulateValidationV07), packed...)

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

func (e *EntryPointV07) EstimateHandleOpsGas(ctx context.Context, groups []types.AggregatorGroup, beneficiary common.Address) (HandleOpsOutcome, error) {
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

func (e *EntryPointV07) SendHandleOps(ctx context.Context, groups []types.AggregatorGroup, beneficiary common.Address, gasLimit uint64, maxFeePerGas, maxPriorityFeePerGas *big.Int, nonce uint64, sign SignFunc) (common.Hash, error) {
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
