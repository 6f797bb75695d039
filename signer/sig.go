package signer

import (
	"crypto/ecdsa"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// secp256k1UncompressedLen is the length of an uncompressed EC point:
// 0x04 prefix + 32-byte X + 32-byte Y.
const secp256k1UncompressedLen = 65

// unmarshalSPKIPubkey recovers a secp256k1 public key from the DER-encoded
// SubjectPublicKeyInfo AWS KMS's GetPublicKey returns. Rather than parsing
// the full ASN.1 SEQUENCE/BIT STRING structure, it trusts that the BIT
// STRING's content always ends with the raw uncompressed point (KMS never
// emits a compressed point for ECC_SECG_P256K1 keys), so the last 65 bytes
// of the blob are exactly what crypto.UnmarshalPubkey expects.
func unmarshalSPKIPubkey(der []byte) (*ecdsa.PublicKey, error) {
	if len(der) < secp256k1UncompressedLen {
		return nil, fmt.Errorf("signer: SPKI blob too short for an uncompressed point (%d bytes)", len(der))
	}
	point := der[len(der)-secp256k1UncompressedLen:]
	if point[0] != 0x04 {
		return nil, fmt.Errorf("signer: SPKI blob does not end in an uncompressed point")
	}
	return crypto.UnmarshalPubkey(point)
}

// asn1Signature is the DER ECDSA-Sig-Value KMS returns from kms:Sign.
type asn1Signature struct {
	R, S *big.Int
}

// asn1SignatureToRSV converts a DER-encoded ECDSA signature into the
// 65-byte [R || S || V] format go-ethereum's transaction signing expects,
// recovering the V (recovery id) byte by trying both candidates against the
// known public key (spec §6: KMS returns only R/S, never a recovery id).
func asn1SignatureToRSV(der []byte, digest []byte, pubKey *ecdsa.PublicKey) ([]byte, error) {
	var sig asn1Signature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("signer: parse DER signature: %w", err)
	}

	// For secp256k1's group order N, (r, s) and (r, N-s) are both valid
	// signatures; KMS may return either. go-ethereum/Ethereum nodes require the low-s form.
	halfOrder := new(big.Int).Rsh(crypto.S256().Params().N, 1)
	if sig.S.Cmp(halfOrder) > 0 {
		sig.S = new(big.Int).Sub(crypto.S256().Params().N, sig.S)
	}

	rBytes, sBytes := leftPad32(sig.R), leftPad32(sig.S)
	candidate := make([]byte, 65)
	copy(candidate[0:32], rBytes)
	copy(candidate[32:64], sBytes)

	for v := byte(0); v < 2; v++ {
		candidate[64] = v
		recovered, err := crypto.SigToPub(digest, candidate)
		if err != nil {
			continue
		}
		if recovered.X.Cmp(pubKey.X) == 0 && recovered.Y.Cmp(pubKey.Y) == 0 {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("signer: could not recover matching signature recovery id")
}

func leftPad32(v *big.Int) []byte {
	b := v.Bytes()
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
