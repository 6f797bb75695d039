// Package signer provides the Signer abstraction a Transaction Tracker
// signs outbound bundle transactions with: a local ECDSA key or a
// distributed-leased AWS KMS key (spec §4.6, §6).
package signer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Signer signs an unsigned transaction, given and returned in its binary
// encoding, and reports the address it signs for. Every signer is single-owner: the builder
// supervisor enforces one sender per signer address (spec §5, "Signer
// slots are single-owner").
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, chainID uint64, unsignedTx []byte) (signedTx []byte, err error)
	// Close releases any held resources, including a KMS lease if one is
	// held.
	Close() error
}
