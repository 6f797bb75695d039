// Package types defines the wire-level data model shared by the simulator,
// proposer, sender, and tracker: user operations, entities, bundles, and the
// mempool-facing error vocabulary.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EntityType names one of the four roles a contract address can play in the
// validation of a user operation.
type EntityType int

const (
	EntityTypeAccount EntityType = iota
	EntityTypeFactory
	EntityTypePaymaster
	EntityTypeAggregator
)

func (t EntityType) String() string {
	switch t {
	case EntityTypeAccount:
		return "account"
	case EntityTypeFactory:
		return "factory"
	case EntityTypePaymaster:
		return "paymaster"
	case EntityTypeAggregator:
		return "aggregator"
	default:
		return "unknown"
	}
}

// Entity is one address acting in one of the four ERC-4337 roles during the
// validation of a single user operation.
type Entity struct {
	Kind    EntityType
	Address common.Address
}

// StakeInfo mirrors the entry point contract's on-chain deposit info for one
// entity.
type StakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec uint32
}

// IsStaked reports whether stake meets the simulator's configured minimums.
func (s StakeInfo) IsStaked(minStakeValue *big.Int, minUnstakeDelay uint32) bool {
	if s.Stake == nil {
		return false
	}
	return s.Stake.Cmp(minStakeValue) >= 0 && s.UnstakeDelaySec >= minUnstakeDelay
}

// EntityInfo is the resolved staking state of one entity address, as
// reported back to callers of the simulator.
type EntityInfo struct {
	Address  common.Address
	IsStaked bool
}

// EntityInfos collects the staking state of every entity involved in one
// user operation's validation. Factory, Paymaster, and Aggregator are nil
// when the operation does not use that entity.
type EntityInfos struct {
	Sender     EntityInfo
	Factory    *EntityInfo
	Paymaster  *EntityInfo
	Aggregator *EntityInfo
}

// ForKind returns the entity info for the given kind, or nil if that entity
// was not part of the operation.
func (e EntityInfos) ForKind(kind EntityType) *EntityInfo {
	switch kind {
	case EntityTypeAccount:
		return &e.Sender
	case EntityTypeFactory:
		return e.Factory
	case EntityTypePaymaster:
		return e.Paymaster
	case EntityTypeAggregator:
		return e.Aggregator
	default:
		return nil
	}
}
