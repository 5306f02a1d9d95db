package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/confab-net/confab/internal/protocol"
)

// stamp returns an element timestamp in fractional seconds.
func stamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// applyAndSend mutates the local mirror first so the drawer sees the
// element immediately; the server relays the delta to everyone else.
func (e *Engine) applyAndSend(action string, element any, eraseID string) error {
	var raw json.RawMessage
	if element != nil {
		encoded, err := json.Marshal(element)
		if err != nil {
			return fmt.Errorf("client: encode element: %w", err)
		}
		raw = encoded
	}
	if _, _, err := e.board.Apply(action, raw, eraseID); err != nil {
		return err
	}
	return e.sendJSON(protocol.WhiteboardAction{
		Type:    protocol.TypeWhiteboardAction,
		Action:  action,
		Data:    raw,
		EraseID: eraseID,
	})
}

// DrawStroke adds a freehand line to the shared whiteboard and returns
// its element id.
func (e *Engine) DrawStroke(points []protocol.Point, color string, width float64) (string, error) {
	id := uuid.NewString()
	err := e.applyAndSend(protocol.ActionDraw, protocol.Stroke{
		ID:        id,
		Points:    points,
		Color:     color,
		Width:     width,
		Timestamp: stamp(),
	}, "")
	if err != nil {
		return "", err
	}
	return id, nil
}

// DrawShape adds a circle, rectangle or line; kind is one of the shape
// kinds in the protocol package.
func (e *Engine) DrawShape(kind string, start, end protocol.Point, color string, width float64) (string, error) {
	id := uuid.NewString()
	err := e.applyAndSend(protocol.ActionShape, protocol.Shape{
		ID:        id,
		Kind:      kind,
		Start:     start,
		End:       end,
		Color:     color,
		Width:     width,
		Timestamp: stamp(),
	}, "")
	if err != nil {
		return "", err
	}
	return id, nil
}

// PlaceText puts a text label on the whiteboard and returns its element
// id.
func (e *Engine) PlaceText(text string, x, y float64, color string, size float64) (string, error) {
	id := uuid.NewString()
	err := e.applyAndSend(protocol.ActionText, protocol.TextItem{
		ID:        id,
		Text:      text,
		X:         x,
		Y:         y,
		Color:     color,
		Size:      size,
		Timestamp: stamp(),
	}, "")
	if err != nil {
		return "", err
	}
	return id, nil
}

// Erase removes the element with the given id from every mirror.
func (e *Engine) Erase(id string) error {
	return e.applyAndSend(protocol.ActionErase, nil, id)
}

// ClearBoard wipes the whiteboard for everyone.
func (e *Engine) ClearBoard() error {
	return e.applyAndSend(protocol.ActionClear, nil, "")
}

// Undo removes the most recently added element.
func (e *Engine) Undo() error {
	return e.applyAndSend(protocol.ActionUndo, nil, "")
}
