package crdt

import (
	"bytes"
	"errors"
	"testing"
)

func mustApply(t *testing.T, replica Replica, update []byte) ([]byte, bool) {
	t.Helper()
	delta, changed, err := replica.ApplyUpdate(update)
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	return delta, changed
}

func TestUpdateSetConvergesAcrossInterleavings(t *testing.T) {
	engine := NewUpdateSetEngine()
	first := engine.New()
	second := engine.New()

	updates := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, update := range updates {
		mustApply(t, first, update)
	}
	for i := len(updates) - 1; i >= 0; i-- {
		mustApply(t, second, updates[i])
	}

	if !bytes.Equal(first.EncodeState(), second.EncodeState()) {
		t.Fatal("expected replicas to converge byte-for-byte")
	}
}

func TestUpdateSetDeltaBringsPeerToSameState(t *testing.T) {
	engine := NewUpdateSetEngine()
	source := engine.New()
	peer := engine.New()

	delta, changed := mustApply(t, source, []byte("Hello"))
	if !changed {
		t.Fatal("expected first update to change state")
	}

	if _, changed := mustApply(t, peer, delta); !changed {
		t.Fatal("expected delta to change peer state")
	}
	if !bytes.Equal(source.EncodeState(), peer.EncodeState()) {
		t.Fatal("expected peer state to equal source state after delta merge")
	}
}

func TestUpdateSetApplyIsIdempotent(t *testing.T) {
	engine := NewUpdateSetEngine()
	replica := engine.New()

	mustApply(t, replica, []byte("once"))
	before := replica.EncodeState()

	delta, changed := mustApply(t, replica, []byte("once"))
	if changed {
		t.Fatal("expected duplicate update to be a no-op merge")
	}
	if delta != nil {
		t.Fatal("expected no delta for duplicate update")
	}
	if !bytes.Equal(before, replica.EncodeState()) {
		t.Fatal("expected encoded state to be unchanged after duplicate merge")
	}
}

func TestUpdateSetEmptyUpdateRejected(t *testing.T) {
	engine := NewUpdateSetEngine()
	replica := engine.New()

	if _, _, err := replica.ApplyUpdate(nil); !errors.Is(err, ErrEmptyUpdate) {
		t.Fatalf("expected ErrEmptyUpdate, got %v", err)
	}
}

func TestUpdateSetDecodeRoundTrip(t *testing.T) {
	engine := NewUpdateSetEngine()
	replica := engine.New()
	mustApply(t, replica, []byte("first"))
	mustApply(t, replica, []byte("second"))

	decoded, err := engine.Decode(replica.EncodeState())
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if !bytes.Equal(decoded.EncodeState(), replica.EncodeState()) {
		t.Fatal("expected decoded replica to encode the same state")
	}
}

func TestUpdateSetDecodeRejectsCorruptState(t *testing.T) {
	engine := NewUpdateSetEngine()

	if _, err := engine.Decode([]byte("not-a-snapshot")); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}

	truncated := append(append([]byte(nil), updateSetMagic...), 0x05)
	if _, err := engine.Decode(truncated); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState for truncated payload, got %v", err)
	}
}

func TestDecodeOrEmptyFallsBackOnCorruptState(t *testing.T) {
	engine := NewUpdateSetEngine()

	replica, err := DecodeOrEmpty(engine, []byte("garbage"))
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
	if replica == nil {
		t.Fatal("expected fallback replica alongside decode error")
	}

	fresh, err := DecodeOrEmpty(engine, nil)
	if err != nil {
		t.Fatalf("unexpected error for absent state: %v", err)
	}
	if fresh == nil {
		t.Fatal("expected fresh replica for absent state")
	}
}
