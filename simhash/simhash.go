// Package simhash fingerprints captured segments so a segment that repeats
// its predecessor (the site served the same page twice) can be flagged.
package simhash

import (
	"hash/fnv"
	"math/bits"
	"strings"
)

// NearThreshold is the largest Hamming distance at which two segments are
// considered the same content.
const NearThreshold = 3

// Fingerprint computes a 64-bit SimHash over tokens, hashing each with
// FNV-64a and accumulating a signed bit vector.
func Fingerprint(tokens []string) uint64 {
	if len(tokens) == 0 {
		return 0
	}

	var vector [64]int
	h := fnv.New64a()
	for _, tok := range tokens {
		h.Reset()
		h.Write([]byte(tok))
		sum := h.Sum64()
		for i := 0; i < 64; i++ {
			if sum&(1<<uint(i)) != 0 {
				vector[i]++
			} else {
				vector[i]--
			}
		}
	}

	var fp uint64
	for i := 0; i < 64; i++ {
		if vector[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// FingerprintText fingerprints free text by its lower-cased words.
func FingerprintText(text string) uint64 {
	return Fingerprint(strings.Fields(strings.ToLower(text)))
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Near reports whether two non-empty fingerprints are within NearThreshold.
func Near(a, b uint64) bool {
	if a == 0 || b == 0 {
		return false
	}
	return Distance(a, b) <= NearThreshold
}
