// Copyright 2025 Certen Protocol
//
// BLS12-381 signature support for checkpoint summary signing and
// aggregation (pure Go, via gnark-crypto). Adapted from the teacher's
// multi-validator attestation signature package: same curve, same key and
// signature shapes and the same aggregate-then-pairing-check verification
// strategy, retargeted at signing checkpoint summary digests instead of
// anchor attestations.

package bls

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

var (
	initOnce sync.Once
	g1Gen    bls12381.G1Affine
	g2Gen    bls12381.G2Affine
)

// Domain separation tags for the messages this core signs.
const (
	DomainCheckpointSummary = "CHECKPOINT_SUMMARY_V1"
)

const (
	PrivateKeySize = 32
	PublicKeySize  = 96
	SignatureSize  = 48
)

// Initialize sets up curve generator points. Safe to call repeatedly.
func Initialize() error {
	initOnce.Do(func() {
		_, _, g1, g2 := bls12381.Generators()
		g1Gen, g2Gen = g1, g2
	})
	return nil
}

// PrivateKey is a BLS12-381 scalar in Fr.
type PrivateKey struct{ scalar fr.Element }

// PublicKey is a point on G2.
type PublicKey struct{ point bls12381.G2Affine }

// Signature is a point on G1.
type Signature struct{ point bls12381.G1Affine }

// GenerateKeyPair generates a new random BLS key pair (validator identity).
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	if err := Initialize(); err != nil {
		return nil, nil, err
	}
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, nil, fmt.Errorf("generate random scalar: %w", err)
	}
	pk := &PrivateKey{scalar: sk}
	return pk, pk.PublicKey(), nil
}

// PrivateKeyFromBytes deserializes a private key.
func PrivateKeyFromBytes(data []byte) (*PrivateKey, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}
	if len(data) != PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d, want %d", len(data), PrivateKeySize)
	}
	var sk fr.Element
	sk.SetBytes(data)
	return &PrivateKey{scalar: sk}, nil
}

// PublicKeyFromBytes deserializes a G2 public key, either compressed
// (PublicKeySize bytes, as produced by Bytes) or uncompressed.
func PublicKeyFromBytes(data []byte) (*PublicKey, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}
	var pk bls12381.G2Affine
	if _, err := pk.SetBytes(data); err != nil {
		return nil, fmt.Errorf("deserialize public key: %w", err)
	}
	return &PublicKey{point: pk}, nil
}

// SignatureFromBytes deserializes a compressed G1 signature.
func SignatureFromBytes(data []byte) (*Signature, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(data); err != nil {
		return nil, fmt.Errorf("deserialize signature: %w", err)
	}
	return &Signature{point: sig}, nil
}

func (sk *PrivateKey) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

func (sk *PrivateKey) Hex() string { return hex.EncodeToString(sk.Bytes()) }

// PublicKey derives pk = sk * G2.
func (sk *PrivateKey) PublicKey() *PublicKey {
	var pk bls12381.G2Affine
	var skBig big.Int
	sk.scalar.BigInt(&skBig)
	pk.ScalarMultiplication(&g2Gen, &skBig)
	return &PublicKey{point: pk}
}

// SignDigest signs a 32-byte checkpoint summary digest with domain
// separation, the shape a validator uses when broadcasting its own
// signature on a locally-built summary (spec section 4.3 intake).
func (sk *PrivateKey) SignDigest(domain string, summaryDigest [32]byte) *Signature {
	h := hashToG1(computeDomainMessage(domain, summaryDigest[:]))
	var sig bls12381.G1Affine
	var skBig big.Int
	sk.scalar.BigInt(&skBig)
	sig.ScalarMultiplication(&h, &skBig)
	return &Signature{point: sig}
}

func (pk *PublicKey) Bytes() []byte {
	b := pk.point.Bytes()
	return b[:]
}

func (pk *PublicKey) Equal(other *PublicKey) bool { return pk.point.Equal(&other.point) }

// VerifyDigest checks sig against summaryDigest under domain separation.
func (pk *PublicKey) VerifyDigest(sig *Signature, domain string, summaryDigest [32]byte) bool {
	h := hashToG1(computeDomainMessage(domain, summaryDigest[:]))
	var negPk bls12381.G2Affine
	negPk.Neg(&pk.point)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{sig.point, h},
		[]bls12381.G2Affine{g2Gen, negPk},
	)
	return err == nil && ok
}

func (sig *Signature) Bytes() []byte {
	b := sig.point.Bytes()
	return b[:]
}

// AggregateSignatures sums signatures on G1 (aggSig = sig1 + ... + sigN).
// This is the operation the Aggregator's stake aggregator uses to fold
// per-peer signatures on a winning digest into one certificate signature.
func AggregateSignatures(signatures []*Signature) (*Signature, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}
	if len(signatures) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}
	var agg bls12381.G1Jac
	agg.FromAffine(&signatures[0].point)
	for i := 1; i < len(signatures); i++ {
		var jac bls12381.G1Jac
		jac.FromAffine(&signatures[i].point)
		agg.AddAssign(&jac)
	}
	var result bls12381.G1Affine
	result.FromJacobian(&agg)
	return &Signature{point: result}, nil
}

// AggregatePublicKeys sums public keys on G2.
func AggregatePublicKeys(publicKeys []*PublicKey) (*PublicKey, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}
	if len(publicKeys) == 0 {
		return nil, errors.New("no public keys to aggregate")
	}
	var agg bls12381.G2Jac
	agg.FromAffine(&publicKeys[0].point)
	for i := 1; i < len(publicKeys); i++ {
		var jac bls12381.G2Jac
		jac.FromAffine(&publicKeys[i].point)
		agg.AddAssign(&jac)
	}
	var result bls12381.G2Affine
	result.FromJacobian(&agg)
	return &PublicKey{point: result}, nil
}

// VerifyAggregateDigest verifies an aggregated signature against the
// aggregate of publicKeys, all of whom must have signed the same digest.
func VerifyAggregateDigest(aggSig *Signature, publicKeys []*PublicKey, domain string, summaryDigest [32]byte) bool {
	aggPk, err := AggregatePublicKeys(publicKeys)
	if err != nil {
		return false
	}
	return aggPk.VerifyDigest(aggSig, domain, summaryDigest)
}

func hashToG1(message []byte) bls12381.G1Affine {
	h := sha256.New()
	h.Write([]byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_"))
	h.Write(message)

	var counter uint64
	for {
		h2 := sha256.New()
		h2.Write(h.Sum(nil))
		binary.Write(h2, binary.BigEndian, counter)
		hash := h2.Sum(nil)

		var point bls12381.G1Affine
		if _, err := point.SetBytes(hash); err == nil && !point.IsInfinity() {
			return point
		}

		var scalar fr.Element
		scalar.SetBytes(hash)
		var scalarBig big.Int
		scalar.BigInt(&scalarBig)

		var result bls12381.G1Affine
		result.ScalarMultiplication(&g1Gen, &scalarBig)
		if !result.IsInfinity() {
			return result
		}
		counter++
		if counter > 1000 {
			return g1Gen
		}
	}
}

func computeDomainMessage(domain string, message []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write(message)
	return h.Sum(nil)
}

// GenerateRandomBytes returns n cryptographically secure random bytes, used
// by fork diagnostics when picking a uniformly-random disagreeing peer
// (spec section 4.4).
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
