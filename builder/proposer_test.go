package builder

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/shunsukew/rundler/chain"
	"github.com/shunsukew/rundler/pool"
	"github.com/shunsukew/rundler/sim"
	"github.com/shunsukew/rundler/types"
)

// fakeSimulator always approves a fixed gas cost, so proposer tests exercise
// filtering and gas-bounding logic without a real entry point trace.
type fakeSimulator struct {
	preOpGas *big.Int
	failFor  map[common.Address]struct{}
}

func (f *fakeSimulator) SimulateValidation(ctx context.Context, op types.UserOperationVariant, blockHash *common.Hash, expectedCodeHash *common.Hash) (*sim.SimulationResult, *sim.SimulationError) {
	sender := op.Unwrap().Sender()
	if _, failed := f.failFor[sender]; failed {
		return nil, &sim.SimulationError{Violations: []types.SimulationViolation{{Code: types.ViolationForbiddenStorage}}}
	}
	preOpGas := f.preOpGas
	if preOpGas == nil {
		preOpGas = big.NewInt(50_000)
	}
	return &sim.SimulationResult{PreOpGas: preOpGas}, nil
}

var _ sim.Simulator = (*fakeSimulator)(nil)

func newTestOp(sender common.Address, nonce int64, priorityFee int64, callGas int64) types.UserOperationVariant {
	return types.VariantFromV06(&types.UserOperationV06{
		SenderAddr:          sender,
		OpNonce:             big.NewInt(nonce),
		MaxPriorityFeeValue: big.NewInt(priorityFee),
		MaxFeePerGasValue:   big.NewInt(priorityFee + 10),
		CallGasLimitValue:   big.NewInt(callGas),
	})
}

func TestBundleProposer_FiltersOpsBelowBundlePriorityFee(t *testing.T) {
	entryPoint := common.HexToAddress("0xE0")
	p := pool.NewMemoryPoolWithChainID(1)
	lowFeeOp := newTestOp(common.HexToAddress("0x1"), 0, 0, 21000)
	highFeeOp := newTestOp(common.HexToAddress("0x2"), 0, 100, 21000)
	p.Add(entryPoint, lowFeeOp)
	p.Add(entryPoint, highFeeOp)

	provider := newFakeProvider()
	ep := &fakeEntryPoint{address: entryPoint}
	simulator := &fakeSimulator{}

	proposer := NewBundleProposer(0, p, simulator, ep, provider, ProposerSettings{
		ChainID:                          1,
		MaxBundleSize:                    10,
		MaxBundleGas:                     10_000_000,
		Beneficiary:                      common.HexToAddress("0xB0"),
		PriorityFeeMode:                  PriorityFeeMode{Kind: PriorityFeeModePriorityFeeIncrease, Percent: 0},
		BundlePriorityFeeOverheadPercent: 0,
	})

	bundle, err := proposer.ProposeBundle(context.Background(), chain.Block{Number: 1, BaseFee: big.NewInt(1), Hash: common.HexToHash("0xbb")})
	require.NoError(t, err)
	require.NotNil(t, bundle)
	require.Len(t, bundle.Groups, 1)
	require.Len(t, bundle.Groups[0].Ops, 1)
	require.Equal(t, highFeeOp.Unwrap().Sender(), bundle.Groups[0].Ops[0].Unwrap().Sender())
}

func TestBundleProposer_MarksInvalidAndDropsOpsThatFailSimulation(t *testing.T) {
	entryPoint := common.HexToAddress("0xE0")
	p := pool.NewMemoryPoolWithChainID(1)
	badOp := newTestOp(common.HexToAddress("0x1"), 0, 5, 21000)
	goodOp := newTestOp(common.HexToAddress("0x2"), 0, 5, 21000)
	p.Add(entryPoint, badOp)
	p.Add(entryPoint, goodOp)

	provider := newFakeProvider()
	ep := &fakeEntryPoint{address: entryPoint}
	simulator := &fakeSimulator{failFor: map[common.Address]struct{}{common.HexToAddress("0x1"): {}}}

	proposer := NewBundleProposer(0, p, simulator, ep, provider, ProposerSettings{
		ChainID:       1,
		MaxBundleSize: 10,
		MaxBundleGas:  10_000_000,
		Beneficiary:   common.HexToAddress("0xB0"),
	})

	bundle, err := proposer.ProposeBundle(context.Background(), chain.Block{Number: 1, BaseFee: big.NewInt(1), Hash: common.HexToHash("0xbb")})
	require.NoError(t, err)
	require.Len(t, bundle.Groups[0].Ops, 1)
	require.Equal(t, goodOp.Unwrap().Sender(), bundle.Groups[0].Ops[0].Unwrap().Sender())

	badHash := badOp.Unwrap().Hash(entryPoint, 1)
	reason, ok := p.InvalidReason(badHash)
	require.True(t, ok)
	require.Equal(t, types.ViolationForbiddenStorage, reason.Violation.Code)
}

func TestBundleProposer_StopsAtMaxBundleGas(t *testing.T) {
	entryPoint := common.HexToAddress("0xE0")
	p := pool.NewMemoryPoolWithChainID(1)
	for i := 0; i < 5; i++ {
		p.Add(entryPoint, newTestOp(common.BigToAddress(big.NewInt(int64(i+1))), 0, 5, 100_000))
	}

	provider := newFakeProvider()
	ep := &fakeEntryPoint{address: entryPoint}
	simulator := &fakeSimulator{preOpGas: big.NewInt(0)}

	proposer := NewBundleProposer(0, p, simulator, ep, provider, ProposerSettings{
		ChainID:       1,
		MaxBundleSize: 10,
		MaxBundleGas:  250_000, // fits 2 ops of 100k call gas each, not all 5
		Beneficiary:   common.HexToAddress("0xB0"),
	})

	bundle, err := proposer.ProposeBundle(context.Background(), chain.Block{Number: 1, BaseFee: big.NewInt(1), Hash: common.HexToHash("0xbb")})
	require.NoError(t, err)
	require.Len(t, bundle.Groups[0].Ops, 2)
}
