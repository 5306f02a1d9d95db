// Package whiteboard maintains the shared drawing state: ordered stroke,
// shape and text sequences plus a version counter that increments once per
// accepted mutation. The server owns the authoritative Board; clients run
// the same type as a mirror.
package whiteboard

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/confab-net/confab/internal/protocol"
)

// Board is the whiteboard state machine. All methods are safe for
// concurrent use; one mutex owns the sequences and the version counter.
type Board struct {
	mu      sync.Mutex
	strokes []protocol.Stroke
	shapes  []protocol.Shape
	texts   []protocol.TextItem
	version uint64
}

// New returns an empty board at version 0.
func New() *Board {
	return &Board{}
}

// Apply performs one whiteboard action. It returns the version after the
// action and whether the action mutated the board; only mutations bump the
// version. An undo on an empty board is a no-op, not an error. Malformed
// element payloads return an error and leave the board untouched.
func (b *Board) Apply(action string, data json.RawMessage, eraseID string) (uint64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch action {
	case protocol.ActionDraw:
		var s protocol.Stroke
		if err := json.Unmarshal(data, &s); err != nil {
			return b.version, false, fmt.Errorf("whiteboard: decode stroke: %w", err)
		}
		b.strokes = append(b.strokes, s)

	case protocol.ActionShape:
		var s protocol.Shape
		if err := json.Unmarshal(data, &s); err != nil {
			return b.version, false, fmt.Errorf("whiteboard: decode shape: %w", err)
		}
		b.shapes = append(b.shapes, s)

	case protocol.ActionText:
		var t protocol.TextItem
		if err := json.Unmarshal(data, &t); err != nil {
			return b.version, false, fmt.Errorf("whiteboard: decode text: %w", err)
		}
		b.texts = append(b.texts, t)

	case protocol.ActionErase:
		// Erase counts as a mutation even when no element matches.
		b.eraseByID(eraseID)

	case protocol.ActionClear:
		b.strokes = nil
		b.shapes = nil
		b.texts = nil

	case protocol.ActionUndo:
		switch {
		case len(b.strokes) > 0:
			b.strokes = b.strokes[:len(b.strokes)-1]
		case len(b.shapes) > 0:
			b.shapes = b.shapes[:len(b.shapes)-1]
		default:
			return b.version, false, nil
		}

	default:
		return b.version, false, fmt.Errorf("whiteboard: unknown action %q", action)
	}

	b.version++
	return b.version, true, nil
}

// Snapshot returns a copy of the board for whiteboard_sync.
func (b *Board) Snapshot() protocol.BoardState {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := protocol.BoardState{
		Strokes: make([]protocol.Stroke, len(b.strokes)),
		Shapes:  make([]protocol.Shape, len(b.shapes)),
		Texts:   make([]protocol.TextItem, len(b.texts)),
		Version: b.version,
	}
	copy(state.Strokes, b.strokes)
	copy(state.Shapes, b.shapes)
	copy(state.Texts, b.texts)
	return state
}

// Load replaces the board with a snapshot. Used by the client mirror when
// whiteboard_sync arrives.
func (b *Board) Load(state protocol.BoardState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.strokes = make([]protocol.Stroke, len(state.Strokes))
	b.shapes = make([]protocol.Shape, len(state.Shapes))
	b.texts = make([]protocol.TextItem, len(state.Texts))
	copy(b.strokes, state.Strokes)
	copy(b.shapes, state.Shapes)
	copy(b.texts, state.Texts)
	b.version = state.Version
}

// Version returns the current version counter.
func (b *Board) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.version
}

func (b *Board) eraseByID(id string) {
	strokes := b.strokes[:0]
	for _, s := range b.strokes {
		if s.ID != id {
			strokes = append(strokes, s)
		}
	}
	b.strokes = strokes

	shapes := b.shapes[:0]
	for _, s := range b.shapes {
		if s.ID != id {
			shapes = append(shapes, s)
		}
	}
	b.shapes = shapes

	texts := b.texts[:0]
	for _, t := range b.texts {
		if t.ID != id {
			texts = append(texts, t)
		}
	}
	b.texts = texts
}
