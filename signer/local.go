package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// LocalSigner signs with an in-process ECDSA private key (spec §6,
// "local keys are consumed first, in order").
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner parses a hex-encoded private key, as builder task
// configuration supplies it.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signer: parse local private key: %w", err)
	}
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *LocalSigner) Address() common.Address { return s.address }

func (s *LocalSigner) SignTx(ctx context.Context, chainID uint64, unsignedTx []byte) ([]byte, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(unsignedTx); err != nil {
		return nil, fmt.Errorf("signer: decode unsigned tx: %w", err)
	}
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	signed, err := types.SignTx(tx, signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("signer: sign tx: %w", err)
	}
	return signed.MarshalBinary()
}

func (s *LocalSigner) Close() error { return nil }
