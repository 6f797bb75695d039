// Package pool defines the external mempool service the core consumes: a
// thread-safe store of candidate user operations the proposer reads from
// and reports outcomes back to (spec §6).
package pool

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/shunsukew/rundler/types"
)

// Pool is the external mempool the core treats as a shared service: the
// core only ever reads the best-ordered operation set and reports
// eviction/invalidation decisions back (spec §5, "the core mutates it only
// via remove_ops and mark_invalid").
type Pool interface {
	// BestUserOps returns up to max candidate operations for entryPoint, in
	// the pool's own priority order; the core trusts this ordering as-is.
	BestUserOps(ctx context.Context, entryPoint common.Address, max uint64) ([]types.UserOperationVariant, error)
	// RemoveOps evicts the given operations, typically after they were
	// mined in a bundle.
	RemoveOps(ctx context.Context, entryPoint common.Address, opHashes []common.Hash) error
	// MarkInvalid flags one operation as invalid for the given reason,
	// typically a MempoolError produced by the simulator.
	MarkInvalid(ctx context.Context, entryPoint common.Address, opHash common.Hash, reason *types.MempoolError) error
	// GetOpByHash looks up one operation; found is false if it is not (or
	// no longer) present in the pool.
	GetOpByHash(ctx context.Context, entryPoint common.Address, opHash common.Hash) (op types.UserOperationVariant, found bool, err error)
}
