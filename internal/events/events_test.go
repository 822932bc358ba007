package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDelivers(t *testing.T) {
	e := NewEmitter(4)
	defer e.Close()

	e.Emit(Event{Type: TypeRequestQueued, RequestID: "a"})
	e.Emit(Event{Type: TypeSyncSummary, Replayed: 2})

	ev := <-e.Events()
	require.Equal(t, TypeRequestQueued, ev.Type)
	assert.Equal(t, "a", ev.RequestID)

	ev = <-e.Events()
	require.Equal(t, TypeSyncSummary, ev.Type)
	assert.Equal(t, 2, ev.Replayed)
}

func TestEmitterDropsWhenFull(t *testing.T) {
	e := NewEmitter(2)
	defer e.Close()

	// Nobody reading: the third emit must not block
	e.Emit(Event{Type: TypeRequestQueued, RequestID: "1"})
	e.Emit(Event{Type: TypeRequestQueued, RequestID: "2"})
	e.Emit(Event{Type: TypeRequestQueued, RequestID: "3"})

	assert.Equal(t, "1", (<-e.Events()).RequestID)
	assert.Equal(t, "2", (<-e.Events()).RequestID)
	select {
	case ev := <-e.Events():
		t.Fatalf("expected dropped event, got %v", ev)
	default:
	}
}

func TestEmitterCloseEndsStream(t *testing.T) {
	e := NewEmitter(1)
	e.Close()

	_, ok := <-e.Events()
	assert.False(t, ok)

	// Emit after close must not panic
	e.Emit(Event{Type: TypeConnectivityChanged})
}
