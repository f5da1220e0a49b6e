package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

const GenesisHashSeed = "laminar:genesis:v1"

// StateHasher chains ledger state hashes across committed operations
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// ResumeStateHasher continues a chain from a persisted tip.
func ResumeStateHasher(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || counter || canonical_state)
func (h *StateHasher) ComputeHash(counter uint64, canonicalState []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], counter)
	hasher.Write(seqBuf[:])

	hasher.Write(canonicalState)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash

	return hash
}

// Peek computes the next hash without advancing the chain.
func (h *StateHasher) Peek(counter uint64, canonicalState []byte) [32]byte {
	saved := h.prevHash
	next := h.ComputeHash(counter, canonicalState)
	h.prevHash = saved
	return next
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// HexHash renders a hash for logs and APIs.
func HexHash(h [32]byte) string {
	return hex.EncodeToString(h[:])
}
