// Package config loads the bundle builder's TOML configuration file into
// the task-level settings the supervisor in builder/task.go expects, the way geth's
// cmd/geth/config.go loads node configuration (spec §6).
package config

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/naoina/toml"

	"github.com/shunsukew/rundler/builder"
	"github.com/shunsukew/rundler/sim"
	"github.com/shunsukew/rundler/types"
)

var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return toSnakeCase(field)
	},
	MissingField: func(rt reflect.Type, field string) error {
		return nil
	},
}

func toSnakeCase(s string) string {
	var out []rune
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				out = append(out, '_')
			}
			out = append(out, unicode.ToLower(r))
		} else {
			out = append(out, r)
		}
	}
	return string(out)
}

// EntryPointConfig is one [[entry_points]] table entry (spec §6).
type EntryPointConfig struct {
	Address                  common.Address
	Version                  string // "v0.6" or "v0.7"
	NumBundleBuilders        uint64
	BundleBuilderIndexOffset uint64
}

// PriorityFeeModeConfig is the `priority_fee_mode` table (spec §6).
type PriorityFeeModeConfig struct {
	Kind    string // "base_fee_percent" or "priority_fee_increase"
	Percent uint64
}

// Config is the full builder-task TOML file (spec §6, mirroring Args in the
// original source's task.rs).
type Config struct {
	ChainID    uint64
	RpcUrl     string
	UnsafeMode bool

	PrivateKeys []string

	AwsKmsKeyIds []string
	AwsKmsRegion string

	RedisUri           string
	RedisLockTtlMillis uint64

	MaxBundleSize                    uint64
	MaxBundleGas                     uint64
	BundlePriorityFeeOverheadPercent uint64
	PriorityFeeMode                  PriorityFeeModeConfig

	MaxBlocksToWaitForMine          uint64
	ReplacementFeePercentIncrease   uint64
	MaxCancellationFeeIncreases     uint64
	MaxReplacementUnderpricedBlocks uint64

	MinUnstakeDelaySec      uint32
	MinStakeValueWei        uint64
	MaxSimulateHandleOpsGas uint64
	MaxVerificationGas      uint64

	EntryPoints []EntryPointConfig
}

// Load parses a TOML config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (*Config, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	var cfg Config
	if err := tomlSettings.NewDecoder(bytes.NewReader(buf.Bytes())).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode toml: %w", err)
	}
	return &cfg, nil
}

// TaskSettings converts the parsed file into builder.TaskSettings, applying
// the same defaults the original source's CLI layer applies before handing
// args to the task (spec §6).
func (c *Config) TaskSettings() (builder.TaskSettings, error) {
	entryPoints := make([]builder.EntryPointBuilderSettings, 0, len(c.EntryPoints))
	for _, ep := range c.EntryPoints {
		version, err := parseEntryPointVersion(ep.Version)
		if err != nil {
			return builder.TaskSettings{}, err
		}
		entryPoints = append(entryPoints, builder.EntryPointBuilderSettings{
			Address:                  ep.Address,
			Version:                  version,
			NumBundleBuilders:        ep.NumBundleBuilders,
			BundleBuilderIndexOffset: ep.BundleBuilderIndexOffset,
		})
	}

	priorityFeeMode, err := parsePriorityFeeMode(c.PriorityFeeMode)
	if err != nil {
		return builder.TaskSettings{}, err
	}

	simSettings := sim.DefaultSettings()
	if c.MinUnstakeDelaySec != 0 {
		simSettings.MinUnstakeDelaySec = c.MinUnstakeDelaySec
	}
	if c.MaxSimulateHandleOpsGas != 0 {
		simSettings.MaxSimulateHandleOpsGas = c.MaxSimulateHandleOpsGas
	}
	if c.MaxVerificationGas != 0 {
		simSettings.MaxVerificationGas = c.MaxVerificationGas
	}
	if c.MinStakeValueWei != 0 {
		simSettings.MinStakeValue = new(big.Int).SetUint64(c.MinStakeValueWei)
	}

	return builder.TaskSettings{
		ChainID:      c.ChainID,
		UnsafeMode:   c.UnsafeMode,
		PrivateKeys:  c.PrivateKeys,
		AwsKmsKeyIDs: c.AwsKmsKeyIds,
		AwsKmsRegion: c.AwsKmsRegion,
		RedisURI:     c.RedisUri,
		RedisLockTTL: time.Duration(c.RedisLockTtlMillis) * time.Millisecond,
		ProposerSettings: builder.ProposerSettings{
			ChainID:                          c.ChainID,
			MaxBundleSize:                    c.MaxBundleSize,
			MaxBundleGas:                     c.MaxBundleGas,
			PriorityFeeMode:                  priorityFeeMode,
			BundlePriorityFeeOverheadPercent: c.BundlePriorityFeeOverheadPercent,
		},
		SimSettings: simSettings,
		SenderSettings: builder.SenderSettings{
			MaxReplacementUnderpricedBlocks: c.MaxReplacementUnderpricedBlocks,
			MaxCancellationFeeIncreases:     c.MaxCancellationFeeIncreases,
			MaxBlocksToWaitForMine:          c.MaxBlocksToWaitForMine,
			ReplacementFeePercentIncrease:   c.ReplacementFeePercentIncrease,
		},
		TrackerSettings: builder.TrackerSettings{
			ReplacementFeePercentIncrease: c.ReplacementFeePercentIncrease,
			MaxBlocksToWaitForMine:        c.MaxBlocksToWaitForMine,
		},
		EntryPoints: entryPoints,
	}, nil
}

func parseEntryPointVersion(s string) (types.EntryPointVersion, error) {
	switch s {
	case "v0.6":
		return types.EntryPointVersionV06, nil
	case "v0.7":
		return types.EntryPointVersionV07, nil
	default:
		return types.EntryPointVersionUnspecified, fmt.Errorf("config: unrecognized entry point version %q", s)
	}
}

func parsePriorityFeeMode(c PriorityFeeModeConfig) (builder.PriorityFeeMode, error) {
	switch c.Kind {
	case "", "base_fee_percent":
		return builder.PriorityFeeMode{Kind: builder.PriorityFeeModeBaseFeePercent, Percent: c.Percent}, nil
	case "priority_fee_increase":
		return builder.PriorityFeeMode{Kind: builder.PriorityFeeModePriorityFeeIncrease, Percent: c.Percent}, nil
	default:
		return builder.PriorityFeeMode{}, fmt.Errorf("config: unrecognized priority fee mode %q", c.Kind)
	}
}
