package pool

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/shunsukew/rundler/types"
)

func TestMemoryPool_BestUserOpsRespectsMax(t *testing.T) {
	p := NewMemoryPool()
	entryPoint := common.HexToAddress("0xE0")
	for i := 0; i < 5; i++ {
		p.Add(entryPoint, types.VariantFromV06(&types.UserOperationV06{
			SenderAddr: common.BigToAddress(big.NewInt(int64(i))),
			OpNonce:    big.NewInt(int64(i)),
		}))
	}

	ops, err := p.BestUserOps(context.Background(), entryPoint, 3)
	require.NoError(t, err)
	require.Len(t, ops, 3)
}

func TestMemoryPool_RemoveOps(t *testing.T) {
	p := NewMemoryPool()
	entryPoint := common.HexToAddress("0xE0")
	op := types.VariantFromV06(&types.UserOperationV06{SenderAddr: common.HexToAddress("0x1"), OpNonce: big.NewInt(1)})
	p.Add(entryPoint, op)

	hash := op.Unwrap().Hash(entryPoint, 0)
	require.NoError(t, p.RemoveOps(context.Background(), entryPoint, []common.Hash{hash}))

	ops, err := p.BestUserOps(context.Background(), entryPoint, 10)
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestMemoryPool_MarkInvalid(t *testing.T) {
	p := NewMemoryPool()
	entryPoint := common.HexToAddress("0xE0")
	op := types.VariantFromV06(&types.UserOperationV06{SenderAddr: common.HexToAddress("0x1"), OpNonce: big.NewInt(1)})
	p.Add(entryPoint, op)
	hash := op.Unwrap().Hash(entryPoint, 0)

	reason := &types.MempoolError{Kind: types.MempoolErrorSimulationViolation, Violation: types.SimulationViolation{Code: types.ViolationForbiddenStorage}}
	require.NoError(t, p.MarkInvalid(context.Background(), entryPoint, hash, reason))

	_, found, err := p.GetOpByHash(context.Background(), entryPoint, hash)
	require.NoError(t, err)
	require.False(t, found)

	got, ok := p.InvalidReason(hash)
	require.True(t, ok)
	require.Equal(t, types.ViolationForbiddenStorage, got.Violation.Code)
}
