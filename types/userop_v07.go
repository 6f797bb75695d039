package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperationV07 is the ERC-4337 v0.7 wire format: factory/paymaster are
// split into explicit address + data fields and the two gas-limit pairs are
// packed into 32-byte words on-chain (spec §3).
type UserOperationV07 struct {
	SenderAddr                  common.Address
	OpNonce                     *big.Int
	FactoryAddr                 *common.Address
	FactoryData                 []byte
	CallData                    []byte
	CallGasLimitValue           *big.Int
	VerificationGasLimitValue   *big.Int
	PreVerificationGasValue     *big.Int
	MaxFeePerGasValue           *big.Int
	MaxPriorityFeeValue         *big.Int
	PaymasterAddr               *common.Address
	PaymasterVerificationGas    *big.Int
	PaymasterPostOpGas          *big.Int
	PaymasterData               []byte
	Signature                   []byte
}

var _ UserOperation = (*UserOperationV07)(nil)

func (op *UserOperationV07) Sender() common.Address { return op.SenderAddr }
func (op *UserOperationV07) Nonce() *big.Int         { return op.OpNonce }

func (op *UserOperationV07) ID() UserOperationID {
	return UserOperationID{Sender: op.SenderAddr, Nonce: op.OpNonce}
}

func (op *UserOperationV07) Factory() (common.Address, bool) {
	if op.FactoryAddr == nil {
		return common.Address{}, false
	}
	return *op.FactoryAddr, true
}

func (op *UserOperationV07) Paymaster() (common.Address, bool) {
	if op.PaymasterAddr == nil {
		return common.Address{}, false
	}
	return *op.PaymasterAddr, true
}

func (op *UserOperationV07) Aggregator() common.Address { return common.Address{} }

func (op *UserOperationV07) CallGasLimit() *big.Int         { return op.CallGasLimitValue }
func (op *UserOperationV07) VerificationGasLimit() *big.Int { return op.VerificationGasLimitValue }
func (op *UserOperationV07) PreVerificationGas() *big.Int   { return op.PreVerificationGasValue }
func (op *UserOperationV07) MaxFeePerGas() *big.Int         { return op.MaxFeePerGasValue }
func (op *UserOperationV07) MaxPriorityFeePerGas() *big.Int { return op.MaxPriorityFeeValue }

func (op *UserOperationV07) PaymasterVerificationGasLimit() *big.Int {
	return zeroIfNil(op.PaymasterVerificationGas)
}

func (op *UserOperationV07) PaymasterPostOpGasLimit() *big.Int {
	return zeroIfNil(op.PaymasterPostOpGas)
}

func (op *UserOperationV07) EntryPointVersion() EntryPointVersion { return EntryPointVersionV07 }

// initCode concatenates factory || factoryData, empty if there is no
// factory (spec §3, v0.7 variant).
func (op *UserOperationV07) initCode() []byte {
	if op.FactoryAddr == nil {
		return []byte{}
	}
	return append(append([]byte{}, op.FactoryAddr.Bytes()...), op.FactoryData...)
}

// paymasterAndData concatenates paymaster || paymasterVerificationGasLimit
// (16 bytes) || paymasterPostOpGasLimit (16 bytes) || paymasterData.
func (op *UserOperationV07) paymasterAndData() []byte {
	if op.PaymasterAddr == nil {
		return []byte{}
	}
	buf := append([]byte{}, op.PaymasterAddr.Bytes()...)
	buf = append(buf, leftPad16(op.PaymasterVerificationGasLimit())...)
	buf = append(buf, leftPad16(op.PaymasterPostOpGasLimit())...)
	buf = append(buf, op.PaymasterData...)
	return buf
}

func leftPad16(v *big.Int) []byte {
	b := v.Bytes()
	out := make([]byte, 16)
	copy(out[16-len(b):], b)
	return out
}

func packed32(hi, lo *big.Int) []byte {
	out := make([]byte, 32)
	copy(out[0:16], leftPad16(hi))
	copy(out[16:32], leftPad16(lo))
	return out
}

var packArgsV07 = abi.Arguments{
	{Type: abiAddress}, // sender
	{Type: abiUint256}, // nonce
	{Type: mustBytes32()}, // keccak256(initCode)
	{Type: mustBytes32()}, // keccak256(callData)
	{Type: mustBytes32()}, // accountGasLimits
	{Type: abiUint256},    // preVerificationGas
	{Type: mustBytes32()}, // gasFees
	{Type: mustBytes32()}, // keccak256(paymasterAndData)
}

func mustBytes32() abi.Type {
	t, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Pack for v0.7 mirrors the on-chain PackedUserOperation the v0.7 entry
// point hashes: dynamic fields are pre-hashed and the two gas-limit pairs
// are packed into single 32-byte words before the outer ABI encode. There
// is no trailing signature slot to trim here since every field is a value
// type word.
func (op *UserOperationV07) Pack() []byte {
	packed, err := packArgsV07.Pack(
		op.SenderAddr,
		zeroIfNil(op.OpNonce),
		[32]byte(common.BytesToHash(crypto.Keccak256(op.initCode()))),
		[32]byte(common.BytesToHash(crypto.Keccak256(nonNilBytes(op.CallData)))),
		[32]byte(common.BytesToHash(packed32(zeroIfNil(op.VerificationGasLimitValue), zeroIfNil(op.CallGasLimitValue)))),
		zeroIfNil(op.PreVerificationGasValue),
		[32]byte(common.BytesToHash(packed32(zeroIfNil(op.MaxPriorityFeeValue), zeroIfNil(op.MaxFeePerGasValue)))),
		[32]byte(common.BytesToHash(crypto.Keccak256(op.paymasterAndData()))),
	)
	if err != nil {
		panic("types: failed to ABI-encode v0.7 user operation: " + err.Error())
	}
	return packed
}

func (op *UserOperationV07) Hash(entryPoint common.Address, chainID uint64) common.Hash {
	return hashPacked(op.Pack(), entryPoint, chainID)
}
