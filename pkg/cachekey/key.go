// Package cachekey derives deterministic cache keys from a template id,
// generation inputs and an optional variant such as a voice.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// hashLen is the number of hex characters of the digest kept in a key.
const hashLen = 16

// Normalize returns a copy of inputs with every value trimmed and lowercased.
// Keys are left as given. Bytes that are not valid UTF-8 are kept as they are.
func Normalize(inputs map[string]string) map[string]string {
	out := make(map[string]string, len(inputs))
	for k, v := range inputs {
		out[k] = lower(strings.TrimSpace(v))
	}
	return out
}

func lower(s string) string {
	if utf8.ValidString(s) {
		return strings.ToLower(s)
	}
	var b strings.Builder
	b.Grow(len(s))
	for len(s) > 0 {
		r, n := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError && n == 1 {
			b.WriteByte(s[0])
		} else {
			b.WriteRune(unicode.ToLower(r))
		}
		s = s[n:]
	}
	return b.String()
}

// Canonical serializes the normalized inputs as sorted-key JSON. JSON cannot
// carry invalid UTF-8, so inputs holding any are serialized instead as a
// sorted array of hex-encoded [key, value] pairs.
func Canonical(inputs map[string]string) string {
	norm := Normalize(inputs)
	var v any = norm
	if !validUTF8(norm) {
		pairs := make([][2]string, 0, len(norm))
		for _, k := range slices.Sorted(maps.Keys(norm)) {
			pairs = append(pairs, [2]string{hex.EncodeToString([]byte(k)), hex.EncodeToString([]byte(norm[k]))})
		}
		v = pairs
	}
	// encoding/json writes map keys in sorted order.
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("cachekey: canonicalize inputs: %v", err))
	}
	return string(data)
}

func validUTF8(m map[string]string) bool {
	for k, v := range m {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return false
		}
	}
	return true
}

// Compute returns templateID:hash[:variant]. The variant is appended only
// when it is non-empty after trimming.
func Compute(templateID string, inputs map[string]string, variant string) string {
	sum := sha256.Sum256([]byte(Canonical(inputs)))
	key := templateID + ":" + hex.EncodeToString(sum[:])[:hashLen]
	if v := strings.TrimSpace(variant); v != "" {
		key += ":" + v
	}
	return key
}

// TemplateOf returns the template id portion of a key.
func TemplateOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
