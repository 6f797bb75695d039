package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// UserOperationV06 is the ERC-4337 v0.6 wire format: init_code and
// paymaster_and_data are opaque, caller-packed byte blobs (spec §3).
type UserOperationV06 struct {
	SenderAddr           common.Address
	OpNonce              *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimitValue    *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGasValue    *big.Int
	MaxPriorityFeeValue  *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

var _ UserOperation = (*UserOperationV06)(nil)

func (op *UserOperationV06) Sender() common.Address { return op.SenderAddr }
func (op *UserOperationV06) Nonce() *big.Int         { return op.OpNonce }

func (op *UserOperationV06) ID() UserOperationID {
	return UserOperationID{Sender: op.SenderAddr, Nonce: op.OpNonce}
}

func (op *UserOperationV06) Factory() (common.Address, bool) {
	return addressFromField(op.InitCode)
}

func (op *UserOperationV06) Paymaster() (common.Address, bool) {
	return addressFromField(op.PaymasterAndData)
}

// Aggregator is always the zero address for v0.6: aggregation is signaled
// out of band by the pool via which mempool accepted the op, not encoded in
// the operation itself.
func (op *UserOperationV06) Aggregator() common.Address { return common.Address{} }

func (op *UserOperationV06) CallGasLimit() *big.Int         { return op.CallGasLimitValue }
func (op *UserOperationV06) VerificationGasLimit() *big.Int { return op.VerificationGasLimit }
func (op *UserOperationV06) PreVerificationGas() *big.Int   { return op.PreVerificationGas }
func (op *UserOperationV06) MaxFeePerGas() *big.Int         { return op.MaxFeePerGasValue }
func (op *UserOperationV06) MaxPriorityFeePerGas() *big.Int { return op.MaxPriorityFeeValue }

// PaymasterVerificationGasLimit / PaymasterPostOpGasLimit don't exist as
// separate fields in v0.6: the paymaster's verification and post-op gas
// share verification_gas_limit and are accounted for in pre_op_gas.
func (op *UserOperationV06) PaymasterVerificationGasLimit() *big.Int { return big.NewInt(0) }
func (op *UserOperationV06) PaymasterPostOpGasLimit() *big.Int       { return big.NewInt(0) }

func (op *UserOperationV06) EntryPointVersion() EntryPointVersion { return EntryPointVersionV06 }

var abiBytes, _ = abi.NewType("bytes", "", nil)

// packArgsV06 is the v0.6 UserOperation tuple with every field in order and
// initCode, callData, and paymasterAndData encoded as raw dynamic bytes.
// Pack encodes it with an empty signature and then drops the trailing
// 32-byte word (the signature's length), so the signature contributes
// nothing to the packed form (spec §3, "pack ABI-encodes all fields except
// signature").
var packArgsV06 = abi.Arguments{
	{Type: abiAddress}, // sender
	{Type: abiUint256}, // nonce
	{Type: abiBytes},   // initCode
	{Type: abiBytes},   // callData
	{Type: abiUint256}, // callGasLimit
	{Type: abiUint256}, // verificationGasLimit
	{Type: abiUint256}, // preVerificationGas
	{Type: abiUint256}, // maxFeePerGas
	{Type: abiUint256}, // maxPriorityFeePerGas
	{Type: abiBytes},   // paymasterAndData
	{Type: abiBytes},   // signature, always packed empty
}

func (op *UserOperationV06) Pack() []byte {
	packed, err := packArgsV06.Pack(
		op.SenderAddr,
		zeroIfNil(op.OpNonce),
		nonNilBytes(op.InitCode),
		nonNilBytes(op.CallData),
		zeroIfNil(op.CallGasLimitValue),
		zeroIfNil(op.VerificationGasLimit),
		zeroIfNil(op.PreVerificationGas),
		zeroIfNil(op.MaxFeePerGasValue),
		zeroIfNil(op.MaxPriorityFeeValue),
		nonNilBytes(op.PaymasterAndData),
		[]byte{},
	)
	if err != nil {
		panic("types: failed to ABI-encode v0.6 user operation: " + err.Error())
	}
	return packed[:len(packed)-32]
}

func (op *UserOperationV06) Hash(entryPoint common.Address, chainID uint64) common.Hash {
	return hashPacked(op.Pack(), entryPoint, chainID)
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
