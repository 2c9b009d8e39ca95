// Package crdt defines the conflict-free replica abstraction used by document
// rooms. The merge algorithm is a black box behind the Engine and Replica
// interfaces; callers only move opaque byte payloads through it.
package crdt

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyUpdate indicates that an update payload carried no bytes.
	ErrEmptyUpdate = errors.New("crdt: empty update")
	// ErrCorruptState indicates that an encoded state could not be decoded.
	ErrCorruptState = errors.New("crdt: corrupt state")
)

// Replica is the live replicated state for one document. Updates merge
// commutatively and idempotently: applying the same update twice, or two
// updates in either order, always converges to the same encoded state.
type Replica interface {
	// ApplyUpdate merges an encoded update into the replica. The returned
	// delta re-encodes only what was newly learned and can be applied to any
	// peer replica. changed reports whether the encoded state differs after
	// the merge; a no-op merge of an already-known update reports false.
	ApplyUpdate(update []byte) (delta []byte, changed bool, err error)

	// EncodeState returns the full replica state in a deterministic encoding.
	// Two replicas that have merged the same set of updates encode
	// byte-for-byte equal states.
	EncodeState() []byte
}

// Engine creates and decodes replicas. Implementations wrap one concrete
// merge algorithm; nothing outside this package depends on the encoding.
type Engine interface {
	New() Replica
	Decode(state []byte) (Replica, error)
}

// DecodeOrEmpty decodes a persisted state, falling back to a fresh replica
// when the payload is absent. Decode failures still return the error so the
// caller can log the fallback.
func DecodeOrEmpty(engine Engine, state []byte) (Replica, error) {
	if len(state) == 0 {
		return engine.New(), nil
	}
	replica, err := engine.Decode(state)
	if err != nil {
		return engine.New(), fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return replica, nil
}
