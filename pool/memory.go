package pool

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/shunsukew/rundler/types"
)

// MemoryPool is an in-memory Pool used by tests and by standalone/dev
// deployments; op ordering is simply insertion order (spec §9 leaves "best"
// entirely up to the pool implementation).
type MemoryPool struct {
	mu      sync.Mutex
	chainID uint64
	ops     map[common.Address][]types.UserOperationVariant
	invalid map[common.Hash]*types.MempoolError
}

var _ Pool = (*MemoryPool)(nil)

// NewMemoryPool builds a pool that hashes operations against chain id 0,
// matching the zero-value ChainID a caller gets if it doesn't configure one.
func NewMemoryPool() *MemoryPool {
	return NewMemoryPoolWithChainID(0)
}

// NewMemoryPoolWithChainID builds a pool whose op-hash computations (used to
// match RemoveOps/MarkInvalid/GetOpByHash's opHash argument against stored
// ops) use chainID, matching the EntryPointProvider the pool is paired with.
func NewMemoryPoolWithChainID(chainID uint64) *MemoryPool {
	return &MemoryPool{
		chainID: chainID,
		ops:     make(map[common.Address][]types.UserOperationVariant),
		invalid: make(map[common.Hash]*types.MempoolError),
	}
}

// Add inserts an operation into the named entry point's pool, for test
// setup; production pools accept operations through their own RPC surface,
// out of scope here.
func (p *MemoryPool) Add(entryPoint common.Address, op types.UserOperationVariant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops[entryPoint] = append(p.ops[entryPoint], op)
}

func (p *MemoryPool) BestUserOps(ctx context.Context, entryPoint common.Address, max uint64) ([]types.UserOperationVariant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops := p.ops[entryPoint]
	if uint64(len(ops)) > max {
		ops = ops[:max]
	}
	out := make([]types.UserOperationVariant, len(ops))
	copy(out, ops)
	return out, nil
}

func (p *MemoryPool) RemoveOps(ctx context.Context, entryPoint common.Address, opHashes []common.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	remove := make(map[common.Hash]struct{}, len(opHashes))
	for _, h := range opHashes {
		remove[h] = struct{}{}
	}
	kept := p.ops[entryPoint][:0]
	for _, op := range p.ops[entryPoint] {
		unwrapped := op.Unwrap()
		hash := unwrapped.Hash(entryPoint, p.chainID)
		if _, ok := remove[hash]; ok {
			continue
		}
		kept = append(kept, op)
	}
	p.ops[entryPoint] = kept
	return nil
}

func (p *MemoryPool) MarkInvalid(ctx context.Context, entryPoint common.Address, opHash common.Hash, reason *types.MempoolError) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalid[opHash] = reason
	kept := p.ops[entryPoint][:0]
	for _, op := range p.ops[entryPoint] {
		if op.Unwrap().Hash(entryPoint, p.chainID) == opHash {
			continue
		}
		kept = append(kept, op)
	}
	p.ops[entryPoint] = kept
	return nil
}

func (p *MemoryPool) GetOpByHash(ctx context.Context, entryPoint common.Address, opHash common.Hash) (types.UserOperationVariant, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, op := range p.ops[entryPoint] {
		if op.Unwrap().Hash(entryPoint, p.chainID) == opHash {
			return op, true, nil
		}
	}
	return types.UserOperationVariant{}, false, nil
}

// InvalidReason returns the last MarkInvalid reason recorded for opHash, for
// test assertions.
func (p *MemoryPool) InvalidReason(opHash common.Hash) (*types.MempoolError, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.invalid[opHash]
	return r, ok
}
