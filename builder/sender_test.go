package builder

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/shunsukew/rundler/chain"
	"github.com/shunsukew/rundler/pool"
	"github.com/shunsukew/rundler/types"
)

// fakeProvider is a minimal in-memory chain.Provider for sender tests.
type fakeProvider struct {
	block      chain.Block
	nonce      uint64
	receipts   map[common.Hash]*gethtypes.Receipt
	sendErr    error
	sentHashes []common.Hash
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		block:    chain.Block{Number: 1, BaseFee: big.NewInt(1_000_000_000)},
		receipts: map[common.Hash]*gethtypes.Receipt{},
	}
}

func (f *fakeProvider) LatestBlock(ctx context.Context) (chain.Block, error) { return f.block, nil }
func (f *fakeProvider) BlockByHash(ctx context.Context, hash common.Hash) (chain.Block, error) {
	return f.block, nil
}
func (f *fakeProvider) TransactionCount(ctx context.Context, addr common.Address, block *big.Int) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	return f.receipts[hash], nil
}
func (f *fakeProvider) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	hash := common.BytesToHash(raw)
	f.sentHashes = append(f.sentHashes, hash)
	return hash, nil
}
func (f *fakeProvider) CallWithTrace(ctx context.Context, call chain.CallMsg, block common.Hash) (chain.CallTrace, error) {
	return chain.CallTrace{}, nil
}
func (f *fakeProvider) Call(ctx context.Context, call chain.CallMsg, block common.Hash) ([]byte, []byte, error) {
	return nil, nil, nil
}
func (f *fakeProvider) EstimateGas(ctx context.Context, call chain.CallMsg) (uint64, []byte, error) {
	return 100000, nil, nil
}
func (f *fakeProvider) FeeHistory(ctx context.Context, blockCount uint64, rewardPercentiles []float64) (chain.FeeHistory, error) {
	return chain.FeeHistory{Reward: [][]*big.Int{{big.NewInt(1)}}}, nil
}
func (f *fakeProvider) ChainID(ctx context.Context) (uint64, error) { return 1, nil }

var _ chain.Provider = (*fakeProvider)(nil)

// fakeEntryPoint lets tests control SendHandleOps's outcome directly
// without ABI-encoding a real transaction.
type fakeEntryPoint struct {
	address   common.Address
	version   types.EntryPointVersion
	sendErr   error
	sendHash  common.Hash
	sendCalls int
}

func (e *fakeEntryPoint) Address() common.Address          { return e.address }
func (e *fakeEntryPoint) Version() types.EntryPointVersion  { return e.version }
func (e *fakeEntryPoint) SimulateValidation(ctx context.Context, op types.UserOperationVariant, block common.Hash) (chain.ValidationOutput, error) {
	return chain.ValidationOutput{}, nil
}
func (e *fakeEntryPoint) EstimateHandleOpsGas(ctx context.Context, groups []types.AggregatorGroup, beneficiary common.Address) (chain.HandleOpsOutcome, error) {
	return chain.HandleOpsOutcome{Kind: chain.HandleOpsSuccess, Gas: 200000}, nil
}
func (e *fakeEntryPoint) SendHandleOps(ctx context.Context, groups []types.AggregatorGroup, beneficiary common.Address, gasLimit uint64, maxFeePerGas, maxPriorityFeePerGas *big.Int, nonce uint64, sign chain.SignFunc) (common.Hash, error) {
	e.sendCalls++
	if e.sendErr != nil {
		return common.Hash{}, e.sendErr
	}
	if _, err := sign(ctx, []byte{byte(nonce)}); err != nil {
		return common.Hash{}, err
	}
	return e.sendHash, nil
}

var _ chain.EntryPointProvider = (*fakeEntryPoint)(nil)

// fakeSigner never touches real key material; SignTx is a pass-through so
// sender tests exercise the state machine, not signing.
type fakeSigner struct {
	address common.Address
	closed  bool
}

func (s *fakeSigner) Address() common.Address { return s.address }
func (s *fakeSigner) SignTx(ctx context.Context, chainID uint64, unsignedTx []byte) ([]byte, error) {
	return unsignedTx, nil
}
func (s *fakeSigner) Close() error { s.closed = true; return nil }

func newFakeOp(sender common.Address, nonce int64) types.UserOperationVariant {
	return types.VariantFromV06(&types.UserOperationV06{
		SenderAddr: sender,
		OpNonce:    big.NewInt(nonce),
	})
}

func newTestSender(t *testing.T, provider *fakeProvider, ep *fakeEntryPoint, p pool.Pool) *BundleSender {
	t.Helper()
	s := &fakeSigner{address: common.HexToAddress("0xB0")}
	tracker, err := NewTransactionTracker(context.Background(), provider, s, 1, TrackerSettings{MaxBlocksToWaitForMine: 3}, 0)
	require.NoError(t, err)
	proposer := NewBundleProposer(0, p, nil, ep, provider, ProposerSettings{
		ChainID:       1,
		MaxBundleSize: 10,
		MaxBundleGas:  1_000_000,
		Beneficiary:   s.address,
	})
	return NewBundleSender(0, proposer, ep, tracker, p, provider, SenderSettings{
		MaxReplacementUnderpricedBlocks: 2,
		MaxCancellationFeeIncreases:     2,
		MaxBlocksToWaitForMine:          2,
		ReplacementFeePercentIncrease:   10,
	})
}

func TestBundleSender_BuildingToPendingOnNonEmptyBundle(t *testing.T) {
	provider := newFakeProvider()
	ep := &fakeEntryPoint{address: common.HexToAddress("0xE0"), sendHash: common.HexToHash("0xaa")}
	memPool := pool.NewMemoryPoolWithChainID(1)
	op := newFakeOp(common.HexToAddress("0x1"), 1)
	memPool.Add(ep.address, op)

	sender := newTestSender(t, provider, ep, memPool)
	sender.state = SenderBuilding

	groups := []types.AggregatorGroup{{Ops: []types.UserOperationVariant{op}}}
	err := sender.submit(context.Background(), &types.Bundle{
		Groups:               groups,
		MaxFeePerGas:         big.NewInt(2),
		MaxPriorityFeePerGas: big.NewInt(1),
		ExpectedGasLimit:     big.NewInt(200000),
	}, false)
	require.NoError(t, err)
	require.Equal(t, SenderPending, sender.State())
	require.Equal(t, 1, ep.sendCalls)
}

func TestBundleSender_MinedRemovesOpsAndResetsToIdle(t *testing.T) {
	provider := newFakeProvider()
	ep := &fakeEntryPoint{address: common.HexToAddress("0xE0"), sendHash: common.HexToHash("0xaa")}
	memPool := pool.NewMemoryPoolWithChainID(1)
	op := newFakeOp(common.HexToAddress("0x1"), 1)
	memPool.Add(ep.address, op)

	sender := newTestSender(t, provider, ep, memPool)
	sender.state = SenderPending
	sender.pendingGroups = []types.AggregatorGroup{{Ops: []types.UserOperationVariant{op}}}
	sender.tracker.lastTxHash = common.HexToHash("0xaa")
	sender.tracker.inFlight = true
	sender.tracker.submittedBlock = 1

	provider.nonce = 1 // advanced past the tracker's starting nonce
	provider.receipts[common.HexToHash("0xaa")] = &gethtypes.Receipt{BlockNumber: big.NewInt(2)}
	provider.block = chain.Block{Number: 2, BaseFee: big.NewInt(1)}

	err := sender.step(context.Background(), provider.block)
	require.NoError(t, err)
	require.Equal(t, SenderIdle, sender.State())

	ops, err := memPool.BestUserOps(context.Background(), ep.address, 10)
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestBundleSender_ReplacementUnderpricedEscalatesToCancelling(t *testing.T) {
	provider := newFakeProvider()
	ep := &fakeEntryPoint{address: common.HexToAddress("0xE0"), sendHash: common.HexToHash("0xaa")}
	memPool := pool.NewMemoryPoolWithChainID(1)

	sender := newTestSender(t, provider, ep, memPool)
	sender.settings.MaxReplacementUnderpricedBlocks = 1
	sender.state = SenderPending
	sender.pendingGroups = []types.AggregatorGroup{}
	sender.tracker.lastTxHash = common.HexToHash("0xaa")
	sender.tracker.lastFees = Fees{MaxFeePerGas: big.NewInt(10), MaxPriorityFeePerGas: big.NewInt(1)}
	sender.tracker.inFlight = true

	err := sender.handlePendingUpdate(context.Background(), provider.block, TrackerUpdate{Kind: TrackerReplacementUnderpriced})
	require.NoError(t, err)
	require.Equal(t, SenderCancelling, sender.State())
}

func TestBundleSender_StillPendingReplacesOnlyAfterMaxBlocksToWaitForMine(t *testing.T) {
	provider := newFakeProvider()
	ep := &fakeEntryPoint{address: common.HexToAddress("0xE0"), sendHash: common.HexToHash("0xaa")}
	memPool := pool.NewMemoryPoolWithChainID(1)

	sender := newTestSender(t, provider, ep, memPool)
	maxBlocks := sender.settings.MaxBlocksToWaitForMine
	sender.state = SenderPending
	sender.attempt = 1 // set by the initial submission, before any StillPending poll
	sender.lastProposedBlock = provider.block.Number // reuse pendingGroups rather than re-propose
	sender.pendingGroups = []types.AggregatorGroup{}
	sender.tracker.lastTxHash = common.HexToHash("0xaa")
	sender.tracker.lastFees = Fees{MaxFeePerGas: big.NewInt(10), MaxPriorityFeePerGas: big.NewInt(1)}
	sender.tracker.inFlight = true

	for i := uint64(1); i < maxBlocks; i++ {
		err := sender.handlePendingUpdate(context.Background(), provider.block, TrackerUpdate{Kind: TrackerStillPending})
		require.NoError(t, err)
		require.Equal(t, 0, ep.sendCalls, "must not replace before the %dth still-pending poll", maxBlocks)
	}

	err := sender.handlePendingUpdate(context.Background(), provider.block, TrackerUpdate{Kind: TrackerStillPending})
	require.NoError(t, err)
	require.Equal(t, 1, ep.sendCalls, "must replace on the %dth still-pending poll", maxBlocks)
	require.Equal(t, uint64(1), sender.attempt, "attempt must reset after a replacement submission")
}

func TestBundleSender_NonceUsedByExternalAbandonsWithoutRemovingOps(t *testing.T) {
	provider := newFakeProvider()
	ep := &fakeEntryPoint{address: common.HexToAddress("0xE0")}
	memPool := pool.NewMemoryPoolWithChainID(1)
	op := newFakeOp(common.HexToAddress("0x1"), 1)
	memPool.Add(ep.address, op)

	sender := newTestSender(t, provider, ep, memPool)
	sender.state = SenderPending
	sender.pendingGroups = []types.AggregatorGroup{{Ops: []types.UserOperationVariant{op}}}
	sender.tracker.inFlight = true

	err := sender.handlePendingUpdate(context.Background(), provider.block, TrackerUpdate{Kind: TrackerNonceUsedByExternal})
	require.NoError(t, err)
	require.Equal(t, SenderIdle, sender.State())

	ops, err := memPool.BestUserOps(context.Background(), ep.address, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1, "NonceUsedByExternal must not remove ops from the pool")
}
