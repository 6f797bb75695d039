package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/shunsukew/rundler/chain"
	"github.com/shunsukew/rundler/internal/emit"
	"github.com/shunsukew/rundler/pool"
	"github.com/shunsukew/rundler/signer"
	"github.com/shunsukew/rundler/sim"
	"github.com/shunsukew/rundler/types"
)

// EntryPointBuilderSettings configures how many bundle senders to run
// against one entry point deployment (spec §4.6, §6).
type EntryPointBuilderSettings struct {
	Address                  common.Address
	Version                  types.EntryPointVersion
	NumBundleBuilders        uint64
	BundleBuilderIndexOffset uint64
}

// TaskSettings is the full set of builder-task configuration options (spec
// §6).
type TaskSettings struct {
	ChainID          uint64
	UnsafeMode       bool
	PrivateKeys      []string
	AwsKmsKeyIDs     []string
	AwsKmsRegion     string
	RedisURI         string
	RedisLockTTL     time.Duration
	ProposerSettings ProposerSettings
	SimSettings      sim.Settings
	SenderSettings   SenderSettings
	TrackerSettings  TrackerSettings
	AllowUnstaked    map[common.Address]struct{}
	EntryPoints      []EntryPointBuilderSettings
}

// Task is the top-level bundle-builder supervisor: it fans out one
// BundleSender per (entry point, signer) pair and runs them all until the
// context is cancelled (spec §4.6).
type Task struct {
	settings TaskSettings
	pool     pool.Pool
	provider chain.Provider
	events   *emit.Bus
}

func NewTask(settings TaskSettings, p pool.Pool, provider chain.Provider, events *emit.Bus) *Task {
	return &Task{settings: settings, pool: p, provider: provider, events: events}
}

// Run builds every configured entry point's bundle senders and runs them to
// completion or until ctx is cancelled (spec §4.6, "Task::run").
func (t *Task) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	// Local private keys are drained across every entry point and signer
	// slot in declaration order; once exhausted, remaining slots fall back
	// to the shared KMS lease pool (spec §4.6, "pk_iter").
	pkIter := newKeyIterator(t.settings.PrivateKeys)

	var leasePool *signer.LeasePool
	if len(t.settings.AwsKmsKeyIDs) > 0 {
		lp, err := signer.NewLeasePool(t.settings.RedisURI, t.settings.AwsKmsKeyIDs, t.settings.RedisLockTTL)
		if err != nil {
			return fmt.Errorf("builder: construct KMS lease pool: %w", err)
		}
		leasePool = lp
	}

	for _, ep := range t.settings.EntryPoints {
		ep := ep
		entryPoint, err := t.buildEntryPointProvider(ep)
		if err != nil {
			return fmt.Errorf("builder: build entry point provider for %s: %w", ep.Address, err)
		}

		for i := uint64(0); i < ep.NumBundleBuilders; i++ {
			index := i + ep.BundleBuilderIndexOffset
			s, err := t.resolveSigner(ctx, pkIter, leasePool)
			if err != nil {
				return fmt.Errorf("builder: resolve signer for index %d: %w", index, err)
			}

			sender, err := t.buildBundleSender(ctx, index, entryPoint, ep.Version, s)
			if err != nil {
				return fmt.Errorf("builder: build bundle sender for index %d: %w", index, err)
			}

			group.Go(func() error {
				defer s.Close()
				return sender.Run(ctx)
			})
		}
	}

	log.Info("started bundle builder")
	if err := group.Wait(); err != nil {
		return fmt.Errorf("builder: sender group: %w", err)
	}
	log.Info("bundle builder shutdown")
	return nil
}

func (t *Task) buildEntryPointProvider(ep EntryPointBuilderSettings) (chain.EntryPointProvider, error) {
	switch ep.Version {
	case types.EntryPointVersionV06:
		return chain.NewEntryPointV06(ep.Address, t.settings.ChainID, t.provider), nil
	case types.EntryPointVersionV07:
		return chain.NewEntryPointV07(ep.Address, t.settings.ChainID, t.provider), nil
	default:
		return nil, fmt.Errorf("builder: unspecified entry point version for %s", ep.Address)
	}
}

// resolveSigner pulls the next configured local private key, or, once those
// are exhausted, leases and connects a KMS signer. The KMS connection is
// bounded by redis_lock_ttl_millis/4 to fail fast rather than risk a lease
// that outlives the connection attempt (spec §4.6).
func (t *Task) resolveSigner(ctx context.Context, pkIter *keyIterator, leasePool *signer.LeasePool) (signer.Signer, error) {
	if pk, ok := pkIter.Next(); ok {
		log.Info("using local signer")
		return signer.NewLocalSigner(pk)
	}

	if leasePool == nil {
		return nil, fmt.Errorf("builder: no local keys remain and no KMS key ids configured")
	}

	log.Info("using AWS KMS signer")
	timeout := t.settings.RedisLockTTL / 4
	leaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	keyID, mutex, err := leasePool.AcquireAny(leaseCtx)
	if err != nil {
		return nil, fmt.Errorf("builder: lease KMS key: %w", err)
	}
	s, err := signer.ConnectKMS(leaseCtx, t.settings.AwsKmsRegion, keyID, mutex)
	if err != nil {
		return nil, fmt.Errorf("builder: connect KMS signer: %w", err)
	}
	return s, nil
}

func (t *Task) buildBundleSender(ctx context.Context, index uint64, entryPoint chain.EntryPointProvider, version types.EntryPointVersion, s signer.Signer) (*BundleSender, error) {
	var simulator sim.Simulator
	if t.settings.UnsafeMode {
		simulator = sim.NewUnsafeSimulator(entryPoint, t.provider, t.settings.SimSettings, t.settings.AllowUnstaked)
	} else {
		simulator = sim.NewTracingSimulator(entryPoint, t.provider, t.settings.SimSettings, t.settings.AllowUnstaked)
	}

	proposerSettings := t.settings.ProposerSettings
	proposerSettings.Beneficiary = s.Address()
	proposer := NewBundleProposer(index, t.pool, simulator, entryPoint, t.provider, proposerSettings)

	tracker, err := NewTransactionTracker(ctx, t.provider, s, t.settings.ChainID, t.settings.TrackerSettings, index)
	if err != nil {
		return nil, fmt.Errorf("construct transaction tracker: %w", err)
	}

	return NewBundleSender(index, proposer, entryPoint, tracker, t.pool, t.provider, t.settings.SenderSettings).WithEvents(t.events), nil
}

// keyIterator drains a fixed list of private keys once each, shared across
// every (entry point, signer slot) pair the task creates.
type keyIterator struct {
	keys []string
	pos  int
}

func newKeyIterator(keys []string) *keyIterator {
	return &keyIterator{keys: keys}
}

func (k *keyIterator) Next() (string, bool) {
	if k.pos >= len(k.keys) {
		return "", false
	}
	key := k.keys[k.pos]
	k.pos++
	return key, true
}
