// Package contenthash computes order-independent content digests for record
// sets. The digest of a set depends only on the canonical JSON of its members,
// not on their order, which makes it usable as a DataVersion identifier.
package contenthash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Sum returns the hex digest of the item set. Items are marshaled to JSON
// (deterministic for structs and maps), hashed individually, and combined in
// sorted digest order so that input ordering does not affect the result.
func Sum[T any](items []T) (string, error) {
	digests := make([][]byte, 0, len(items))
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return "", fmt.Errorf("marshal item %d: %w", i, err)
		}
		sum := sha256.Sum256(data)
		digests = append(digests, sum[:])
	}
	sort.Slice(digests, func(i, j int) bool {
		return bytes.Compare(digests[i], digests[j]) < 0
	})

	h := sha256.New()
	for _, d := range digests {
		h.Write(d)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
