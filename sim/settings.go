// Package sim implements the validation-rule engine: it turns an entry
// point's simulateValidation trace into a SimulationResult or a structured
// SimulationError, classifying every storage access the trace reports
// (spec §4.2).
package sim

import "math/big"

// Settings configures the thresholds the simulator applies when classifying
// entity staking. The two gas fields are carried here and filled from
// configuration, but no simulator passes them to a call or checks an
// operation against them.
type Settings struct {
	// MinUnstakeDelaySec is the minimum unstake delay, in seconds, a staked
	// entity must have configured on the entry point to count as staked.
	MinUnstakeDelaySec uint32
	// MinStakeValue is the minimum stake, in wei, required to count as
	// staked.
	MinStakeValue *big.Int
	// MaxSimulateHandleOpsGas is the configured gas cap for simulation
	// calls; it is not applied to any call.
	MaxSimulateHandleOpsGas uint64
	// MaxVerificationGas is the configured verification gas cap; no
	// operation is checked against it.
	MaxVerificationGas uint64
}

// DefaultSettings mirrors the values a bundler runs with out of the box:
// one day's unstake delay and 1 ETH of stake, as fixed by ERC-4337 itself.
func DefaultSettings() Settings {
	return Settings{
		MinUnstakeDelaySec:      86400,
		MinStakeValue:           new(big.Int).SetUint64(1_000_000_000_000_000_000),
		MaxSimulateHandleOpsGas: 550_000_000,
		MaxVerificationGas:      5_000_000,
	}
}
