package session

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidStateBlob indicates a persisted state blob that cannot be decoded.
var ErrInvalidStateBlob = errors.New("session: invalid state blob")

// MaxUpdateLength bounds a single update. Apply and DecodeState enforce the
// same limit, so everything merged live is guaranteed to reload from storage.
const MaxUpdateLength = 1 << 24

// State is the mergeable replicated structure backing one document. It holds
// the set of applied updates keyed by content hash, so applying the same set
// of updates in any order, with any duplication, converges to the same state.
type State struct {
	mu      sync.RWMutex
	updates map[[32]byte][]byte
}

// NewState returns an empty document state.
func NewState() *State {
	return &State{updates: make(map[[32]byte][]byte)}
}

// Apply merges one update into the state. It reports whether the update was
// new; duplicates, empty updates, and updates over MaxUpdateLength are
// absorbed without effect.
func (s *State) Apply(update []byte) bool {
	if len(update) == 0 || len(update) > MaxUpdateLength {
		return false
	}
	key := sha256.Sum256(update)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.updates[key]; ok {
		return false
	}
	stored := make([]byte, len(update))
	copy(stored, update)
	s.updates[key] = stored
	return true
}

// Len returns the number of distinct updates merged into the state.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.updates)
}

// Encode serializes the state deterministically: updates are length-prefixed
// and ordered by hash, so two converged states encode byte-identically.
func (s *State) Encode() []byte {
	s.mu.RLock()
	keys := make([][32]byte, 0, len(s.updates))
	for key := range s.updates {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		for b := 0; b < 32; b++ {
			if keys[i][b] != keys[j][b] {
				return keys[i][b] < keys[j][b]
			}
		}
		return false
	})

	size := 0
	for _, key := range keys {
		size += 4 + len(s.updates[key])
	}
	encoded := make([]byte, 0, size)
	var length [4]byte
	for _, key := range keys {
		update := s.updates[key]
		binary.BigEndian.PutUint32(length[:], uint32(len(update)))
		encoded = append(encoded, length[:]...)
		encoded = append(encoded, update...)
	}
	s.mu.RUnlock()
	return encoded
}

// EncodeBase64 returns the deterministic encoding as a base64 string for
// storage alongside other text columns.
func (s *State) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(s.Encode())
}

// DecodeState reconstructs a state from a blob produced by Encode.
func DecodeState(blob []byte) (*State, error) {
	state := NewState()
	offset := 0
	for offset < len(blob) {
		if offset+4 > len(blob) {
			return nil, fmt.Errorf("%w: truncated length prefix", ErrInvalidStateBlob)
		}
		length := int(binary.BigEndian.Uint32(blob[offset : offset+4]))
		offset += 4
		if length == 0 || length > MaxUpdateLength {
			return nil, fmt.Errorf("%w: update length %d out of range", ErrInvalidStateBlob, length)
		}
		if offset+length > len(blob) {
			return nil, fmt.Errorf("%w: truncated update", ErrInvalidStateBlob)
		}
		state.Apply(blob[offset : offset+length])
		offset += length
	}
	return state, nil
}

// DecodeStateBase64 reconstructs a state from its base64 storage form.
func DecodeStateBase64(encoded string) (*State, error) {
	if encoded == "" {
		return NewState(), nil
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrInvalidStateBlob)
	}
	return DecodeState(blob)
}
