package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EntryPointVersion names one of the two supported entry-point ABI
// generations. A Bundle and every UserOperation in it share exactly one
// version (spec §4.1).
type EntryPointVersion int

const (
	EntryPointVersionUnspecified EntryPointVersion = iota
	EntryPointVersionV06
	EntryPointVersionV07
)

// UserOperationID uniquely names an operation within one entry point: the
// pair (sender, nonce). See spec §3, Identity.
type UserOperationID struct {
	Sender common.Address
	Nonce  *big.Int
}

// UserOperation is the capability set the proposer, sender, and tracker
// require from a user operation, independent of whether it is a v0.6 or
// v0.7 wire object (spec §9, "Polymorphism over entry-point versions").
type UserOperation interface {
	Sender() common.Address
	Nonce() *big.Int
	ID() UserOperationID

	// Factory returns the factory address and true if this operation
	// deploys its sender account.
	Factory() (common.Address, bool)
	// Paymaster returns the paymaster address and true if this operation
	// is sponsored.
	Paymaster() (common.Address, bool)
	// Aggregator returns the aggregator address, or the zero address if
	// this operation validates with a plain ECDSA signature.
	Aggregator() common.Address

	CallGasLimit() *big.Int
	VerificationGasLimit() *big.Int
	PreVerificationGas() *big.Int
	PaymasterVerificationGasLimit() *big.Int
	PaymasterPostOpGasLimit() *big.Int
	MaxFeePerGas() *big.Int
	MaxPriorityFeePerGas() *big.Int

	// Pack ABI-encodes every field except the signature, bit-exact with
	// what the on-chain entry point's getUserOpHash computes (spec §3).
	Pack() []byte
	// Hash computes keccak256(keccak256(Pack()) || entryPoint || chainID).
	Hash(entryPoint common.Address, chainID uint64) common.Hash

	EntryPointVersion() EntryPointVersion
}

// addressFromField extracts the first 20 bytes of a data field, used to pull
// the factory address out of init_code (v0.6) or the paymaster address out
// of paymaster_and_data (v0.6). Returns false if the field is too short.
func addressFromField(data []byte) (common.Address, bool) {
	if len(data) < 20 {
		return common.Address{}, false
	}
	var addr common.Address
	copy(addr[:], data[:20])
	return addr, true
}

var (
	abiAddress, _ = abi.NewType("address", "", nil)
	abiUint256, _ = abi.NewType("uint256", "", nil)
	abiUint64, _  = abi.NewType("uint64", "", nil)
)

// hashPacked computes keccak256(keccak256(packed) || entryPoint || chainID),
// with entryPoint and chainID each encoded as a full 32-byte ABI word, per
// the conformance vectors in spec §8 (S1, S2).
func hashPacked(packed []byte, entryPoint common.Address, chainID uint64) common.Hash {
	innerArgs := abi.Arguments{{Type: abiAddress}, {Type: abiUint64}}
	tail, err := innerArgs.Pack(entryPoint, chainID)
	if err != nil {
		panic("types: failed to ABI-encode entry point/chain id: " + err.Error())
	}
	inner := crypto.Keccak256(packed)
	return common.BytesToHash(crypto.Keccak256(append(inner, tail...)))
}
