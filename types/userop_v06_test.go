package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestOpHashZeroed(t *testing.T) {
	op := &UserOperationV06{
		SenderAddr: common.HexToAddress("0x0000000000000000000000000000000000000000"),
		OpNonce:    big.NewInt(0),
	}
	entryPoint := common.HexToAddress("0x1306b01bc3e4ad202612d3843387e94737673f53")
	hash := op.Hash(entryPoint, 1337)
	require.Equal(t,
		"0x184db936a8bddc422ee3dd1545d41758f20dab071c44668d1b3379ea61c4da92",
		hash.Hex(),
	)
}

func TestOpHashPopulated(t *testing.T) {
	op := &UserOperationV06{
		SenderAddr:           common.HexToAddress("0x1306b01bc3e4ad202612d3843387e94737673f53"),
		OpNonce:              big.NewInt(8942),
		InitCode:             common.FromHex("0x6942069420694206942069420694206942069420"),
		CallData:             common.FromHex("0x0000000000000000000000000000000000000000080085"),
		CallGasLimitValue:    big.NewInt(10000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(100),
		MaxFeePerGasValue:    big.NewInt(99999),
		MaxPriorityFeeValue:  big.NewInt(9999999),
		PaymasterAndData:     common.FromHex("0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"),
		Signature:            common.FromHex("0xda0929f527cded8d0a1eaf2e8861d7f7e2d8160b7b13942f99dd367df4473a"),
	}
	entryPoint := common.HexToAddress("0x1306b01bc3e4ad202612d3843387e94737673f53")
	hash := op.Hash(entryPoint, 1337)
	require.Equal(t,
		"0xf1f17c5eb34cf7f0584569a9d9831f17af470f8942a6ccdbca9b1597bef2e370",
		hash.Hex(),
	)
}

func TestOpHashIgnoresSignature(t *testing.T) {
	base := &UserOperationV06{
		SenderAddr: common.HexToAddress("0x1306b01bc3e4ad202612d3843387e94737673f53"),
		OpNonce:    big.NewInt(1),
	}
	entryPoint := common.HexToAddress("0x1306b01bc3e4ad202612d3843387e94737673f53")

	withSig := *base
	withSig.Signature = []byte{1, 2, 3}

	require.Equal(t, base.Hash(entryPoint, 1).Hex(), withSig.Hash(entryPoint, 1).Hex())
}

func TestAddressFromField(t *testing.T) {
	data := common.FromHex("0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	addr, ok := addressFromField(data)
	require.True(t, ok)
	require.Equal(t, common.HexToAddress("0x0123456789abcdef0123456789abcdef01234567"), addr)

	_, ok = addressFromField(data[:19])
	require.False(t, ok)
}
