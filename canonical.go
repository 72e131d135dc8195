// Package receipt builds, signs, and verifies tamper-evident Content-Addressed
// Receipts (CARs) for multi-step LLM workflow runs.
package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"strings"
	"unicode"

	jcs "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// CanonicalJSON renders the JSON document raw as RFC 8785 (JCS) canonical
// JSON: sorted object keys, minimal escaping, canonical number formatting,
// arrays left in place. Every hash and signature in the system is computed
// over these bytes.
//
// raw must already be JSON (typically the output of encoding/json.Marshal;
// use MarshalCanonical to marshal and canonicalize a value in one step).
func CanonicalJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, &Error{Kind: KindProgrammer, Message: "canonicalization failed", err: err}
	}
	return out, nil
}

// MarshalCanonical marshals v to JSON and canonicalizes the result in one
// step. A failure here is always a programmer error: every type that flows
// through this function is controlled by this module.
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Kind: KindProgrammer, Message: "json marshal failed", err: err}
	}
	return CanonicalJSON(raw)
}

// SHA256Hex returns the lowercase hex-encoded SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256Bytes returns the raw SHA-256 digest of b.
func SHA256Bytes(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// simhashBits is the width of the semantic digest in bits.
const simhashBits = 64

// SemanticDigest computes a 64-bit simhash of text for concordant-mode
// replay comparison: 3-rune sliding windows of the lowercased input feed a
// weighted bit vector, falling back to whitespace tokens and then the whole
// normalized string when there are too few windows. Empty or all-whitespace
// input yields the all-zero digest.
//
// The per-feature hash is FNV-1a 64-bit (hash/fnv), chosen for cross-platform
// and cross-process stability — unlike a language runtime's default hasher,
// FNV-1a's output is fixed by specification, so digests computed on
// different machines or at different times are comparable.
func SemanticDigest(text string) string {
	if strings.TrimSpace(text) == "" {
		return strings.Repeat("0", 16)
	}

	normalized := strings.ToLower(text)
	runes := []rune(normalized)

	features := make([]string, 0, len(runes))
	if len(runes) >= 3 {
		for i := 0; i+3 <= len(runes); i++ {
			features = append(features, string(runes[i:i+3]))
		}
	}
	if len(features) == 0 {
		for _, tok := range strings.Fields(normalized) {
			features = append(features, tok)
		}
	}
	if len(features) == 0 {
		features = append(features, normalized)
	}

	var weights [simhashBits]int64
	for _, feature := range features {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		for bit := 0; bit < simhashBits; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var digest uint64
	for bit := 0; bit < simhashBits; bit++ {
		if weights[bit] >= 0 {
			digest |= 1 << uint(bit)
		}
	}
	return hexPad16(digest)
}

// SemanticDistance returns the Hamming distance between two hex-encoded
// semantic digests, in [0,64]. A malformed digest returns -1.
func SemanticDistance(a, b string) int {
	av, aerr := parseHex16(a)
	bv, berr := parseHex16(b)
	if aerr != nil || berr != nil {
		return -1
	}
	return popcount64(av ^ bv)
}

func hexPad16(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

func parseHex16(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, &Error{Kind: KindMalformed, Message: "semantic digest must be 16 hex characters"}
	}
	var v uint64
	for _, r := range s {
		v <<= 4
		switch {
		case r >= '0' && r <= '9':
			v |= uint64(r - '0')
		case r >= 'a' && r <= 'f':
			v |= uint64(r-'a') + 10
		case r >= 'A' && r <= 'F':
			v |= uint64(r-'A') + 10
		default:
			return 0, &Error{Kind: KindMalformed, Message: "semantic digest contains non-hex characters"}
		}
	}
	return v, nil
}

func popcount64(v uint64) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}

// isControlExceptWhitespace reports whether r is a control character that
// sanitizePayload must strip, i.e. a control rune other than \n, \r, \t.
func isControlExceptWhitespace(r rune) bool {
	if r == '\n' || r == '\r' || r == '\t' {
		return false
	}
	return unicode.IsControl(r)
}
