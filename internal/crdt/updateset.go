package crdt

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// updateSetMagic prefixes every encoded update-set payload so corrupt or
// foreign snapshots are rejected rather than misread.
var updateSetMagic = []byte{'I', 'W', 'S', 0x01}

// UpdateSetEngine is the default merge engine: a grow-only set of opaque
// updates deduplicated by content hash. Merging is set union, so it is
// commutative and idempotent, and the canonical hash-ordered encoding makes
// converged replicas byte-for-byte equal.
type UpdateSetEngine struct{}

// NewUpdateSetEngine constructs the default engine.
func NewUpdateSetEngine() *UpdateSetEngine {
	return &UpdateSetEngine{}
}

// New returns an empty replica.
func (e *UpdateSetEngine) New() Replica {
	return &updateSetReplica{entries: make(map[string][]byte)}
}

// Decode reconstructs a replica from an encoded state.
func (e *UpdateSetEngine) Decode(state []byte) (Replica, error) {
	replica := &updateSetReplica{entries: make(map[string][]byte)}
	entries, err := decodeEntries(state)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		replica.entries[hashEntry(entry)] = entry
	}
	return replica, nil
}

type updateSetReplica struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (r *updateSetReplica) ApplyUpdate(update []byte) ([]byte, bool, error) {
	if len(update) == 0 {
		return nil, false, ErrEmptyUpdate
	}

	var incoming [][]byte
	if bytes.HasPrefix(update, updateSetMagic) {
		decoded, err := decodeEntries(update)
		if err != nil {
			return nil, false, err
		}
		incoming = decoded
	} else {
		incoming = [][]byte{append([]byte(nil), update...)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	learned := make([][]byte, 0, len(incoming))
	for _, entry := range incoming {
		key := hashEntry(entry)
		if _, known := r.entries[key]; known {
			continue
		}
		r.entries[key] = entry
		learned = append(learned, entry)
	}

	if len(learned) == 0 {
		return nil, false, nil
	}
	return encodeEntries(learned), true, nil
}

func (r *updateSetReplica) EncodeState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([][]byte, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	return encodeEntries(entries)
}

func hashEntry(entry []byte) string {
	sum := sha256.Sum256(entry)
	return hex.EncodeToString(sum[:])
}

// encodeEntries produces the canonical encoding: magic, entry count, then
// length-prefixed entries sorted by content hash.
func encodeEntries(entries [][]byte) []byte {
	sorted := make([][]byte, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return hashEntry(sorted[i]) < hashEntry(sorted[j])
	})

	var buf bytes.Buffer
	buf.Write(updateSetMagic)
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(sorted)))
	buf.Write(scratch[:n])
	for _, entry := range sorted {
		n = binary.PutUvarint(scratch[:], uint64(len(entry)))
		buf.Write(scratch[:n])
		buf.Write(entry)
	}
	return buf.Bytes()
}

func decodeEntries(state []byte) ([][]byte, error) {
	if !bytes.HasPrefix(state, updateSetMagic) {
		return nil, fmt.Errorf("%w: missing header", ErrCorruptState)
	}
	reader := bytes.NewReader(state[len(updateSetMagic):])

	count, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable entry count", ErrCorruptState)
	}
	if count > uint64(reader.Len()) {
		return nil, fmt.Errorf("%w: entry count exceeds payload", ErrCorruptState)
	}

	entries := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		length, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: unreadable entry length", ErrCorruptState)
		}
		if length == 0 || length > uint64(reader.Len()) {
			return nil, fmt.Errorf("%w: invalid entry length", ErrCorruptState)
		}
		entry := make([]byte, length)
		if _, err := reader.Read(entry); err != nil {
			return nil, fmt.Errorf("%w: truncated entry", ErrCorruptState)
		}
		entries = append(entries, entry)
	}
	if reader.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrCorruptState)
	}
	return entries, nil
}
