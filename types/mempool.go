package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ViolationCode orders every kind of validation violation from most to
// least severe (spec §4.2, "Violations implement a total order"). Lower
// values sort first; SimulationViolation.Less compares on this code.
type ViolationCode int

const (
	ViolationInvalidSignature ViolationCode = iota
	ViolationDidNotRevert
	ViolationCodeHashChanged
	ViolationInvalidTimeRange
	ViolationForbiddenOpcode
	ViolationForbiddenStorage
	ViolationUnstakedEntityNeedsStake
	ViolationInsufficientPreVerificationGas
)

// SimulationViolation is one structured reason a user operation failed
// validation (spec §7, Taxonomy).
type SimulationViolation struct {
	Code     ViolationCode
	Entity   *Entity // nil for violations not attributable to one entity
	Message  string
	Address  common.Address
	Slot     *big.Int
}

func (v SimulationViolation) Error() string {
	if v.Entity != nil {
		return fmt.Sprintf("%s: %s (%s %s)", v.Code, v.Message, v.Entity.Kind, v.Entity.Address)
	}
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

func (c ViolationCode) String() string {
	switch c {
	case ViolationInvalidSignature:
		return "invalid-signature"
	case ViolationDidNotRevert:
		return "did-not-revert"
	case ViolationCodeHashChanged:
		return "code-hash-changed"
	case ViolationInvalidTimeRange:
		return "invalid-time-range"
	case ViolationForbiddenOpcode:
		return "forbidden-opcode"
	case ViolationForbiddenStorage:
		return "forbidden-storage"
	case ViolationUnstakedEntityNeedsStake:
		return "unstaked-entity-needs-stake"
	case ViolationInsufficientPreVerificationGas:
		return "insufficient-pre-verification-gas"
	default:
		return "unknown-violation"
	}
}

// Less implements the total order used to extract the single most severe
// violation (spec §4.2). Ties are broken arbitrarily but deterministically
// by comparing addresses.
func (v SimulationViolation) Less(other SimulationViolation) bool {
	if v.Code != other.Code {
		return v.Code < other.Code
	}
	return v.Address.Cmp(other.Address) < 0
}

// MempoolErrorKind distinguishes a structured per-rule violation from an
// opaque transport/internal error (spec §3, SimulationError).
type MempoolErrorKind int

const (
	MempoolErrorOther MempoolErrorKind = iota
	MempoolErrorSimulationViolation
)

// MempoolError is the error shape the Pool understands when asked to mark
// an operation invalid (spec §4.2, "The translation to an external
// MempoolError").
type MempoolError struct {
	Kind      MempoolErrorKind
	Violation SimulationViolation
	Err       error
}

func (e *MempoolError) Error() string {
	if e.Kind == MempoolErrorSimulationViolation {
		return e.Violation.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "mempool: unknown error"
}

func (e *MempoolError) Unwrap() error {
	if e.Kind == MempoolErrorOther {
		return e.Err
	}
	return nil
}

// MempoolConfig is a per-mempool allow-list of factory/paymaster/aggregator
// addresses, consulted during violation classification (spec §3).
type MempoolConfig struct {
	ID                   common.Hash
	AllowedFactories     map[common.Address]struct{}
	AllowedPaymasters    map[common.Address]struct{}
	AllowedAggregators   map[common.Address]struct{}
}

func (c MempoolConfig) AllowsFactory(addr common.Address) bool {
	if len(c.AllowedFactories) == 0 {
		return true
	}
	_, ok := c.AllowedFactories[addr]
	return ok
}

func (c MempoolConfig) AllowsPaymaster(addr common.Address) bool {
	if len(c.AllowedPaymasters) == 0 {
		return true
	}
	_, ok := c.AllowedPaymasters[addr]
	return ok
}

func (c MempoolConfig) AllowsAggregator(addr common.Address) bool {
	if len(c.AllowedAggregators) == 0 {
		return true
	}
	_, ok := c.AllowedAggregators[addr]
	return ok
}
