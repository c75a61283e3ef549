// Copyright 2025 Certen Protocol
//
// Canonical digest package - deterministic content addressing for checkpoint
// entities. Every entity in the checkpoint core is identified by the digest
// of a canonical byte encoding of its fields (spec section 3).

package digest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
)

// Digest is a 32-byte content identifier.
type Digest [32]byte

// Zero is the empty/unset digest.
var Zero Digest

func (d Digest) IsZero() bool { return d == Zero }

func (d Digest) Bytes() []byte { return d[:] }

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Digest) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("digest: invalid hex: %w", err)
	}
	if len(raw) != len(d) {
		return fmt.Errorf("digest: expected %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return nil
}

// FromBytes builds a Digest from the given transaction/effects identifier bytes
// (e.g. in tests, d(i) = [i, 0, 0, ...]).
func FromBytes(b []byte) Digest {
	var d Digest
	copy(d[:], b)
	return d
}

// Compare gives a deterministic ascending ordering over digests, used by the
// Builder's causal sort tie-break (spec section 4.2 step 3).
func Compare(a, b Digest) int {
	return bytes.Compare(a[:], b[:])
}

// Less reports whether a sorts strictly before b.
func Less(a, b Digest) bool { return Compare(a, b) < 0 }

// OfCanonicalJSON returns the digest of the canonical JSON encoding of v:
// deterministic key order, stable formatting, then keccak256 over the result.
// This mirrors the teacher's commitment.HashCanonical, reusing go-ethereum's
// crypto.Keccak256 (already a direct dependency) for the underlying hash.
func OfCanonicalJSON(v interface{}) (Digest, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Zero, fmt.Errorf("digest: marshal: %w", err)
	}
	canon, err := canonicalizeJSON(raw)
	if err != nil {
		return Zero, fmt.Errorf("digest: canonicalize: %w", err)
	}
	return Digest(crypto.Keccak256Hash(canon)), nil
}

// OfConcat hashes the concatenation of byte slices, for computing a digest
// from already-digested child fields (e.g. a summary digest built from the
// digests of its component parts) without a full JSON round-trip.
func OfConcat(parts ...[]byte) Digest {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p)
	}
	return Digest(crypto.Keccak256Hash(buf.Bytes()))
}

// canonicalizeJSON re-encodes raw JSON with map keys sorted and arrays kept
// in order, matching the teacher's commitment.CanonicalizeJSON (a simplified
// RFC 8785-style canonicalization).
func canonicalizeJSON(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(canonicalizeValue(v))
}

func canonicalizeValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(vv))
		for _, k := range keys {
			ordered[k] = canonicalizeValue(vv[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return vv
	}
}
