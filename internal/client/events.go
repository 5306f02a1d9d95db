package client

import "github.com/confab-net/confab/internal/protocol"

// Event is one decoded control-channel notification. Concrete types are
// the structs below; consumers switch on the dynamic type while ranging
// over Engine.Events.
type Event interface {
	event()
}

// Joined announces a new participant.
type Joined struct {
	Name  string
	Color string
}

// Left announces a departure. Addr is the participant's IP.
type Left struct {
	Name string
	Addr string
}

// RosterUpdated carries the authoritative participant list. The engine
// has already replaced its mirror when the event is delivered.
type RosterUpdated struct {
	Users []protocol.RosterEntry
}

// ChatReceived is a group chat line; the sender's own messages come back
// through here too.
type ChatReceived struct {
	From    string
	Message string
}

// PrivateChatReceived is a direct message addressed to this participant.
type PrivateChatReceived struct {
	From    string
	Message string
}

// PrivateChatEcho confirms delivery of a private message this
// participant sent.
type PrivateChatEcho struct {
	To      string
	Message string
}

// GestureReceived carries another participant's gesture tag.
type GestureReceived struct {
	From    string
	Gesture string
}

// CursorMoved reports another participant's whiteboard cursor.
type CursorMoved struct {
	From  string
	X     float64
	Y     float64
	Color string
}

// PresentStarted announces that a participant began screen sharing.
type PresentStarted struct {
	From string
}

// PresentStopped announces the end of a screen share.
type PresentStopped struct {
	From string
}

// BoardSynced reports that the whiteboard mirror was replaced by a full
// snapshot; consumers re-render from Engine.Board.
type BoardSynced struct {
	Version uint64
}

// BoardChanged carries one remote whiteboard delta, already applied to
// the mirror.
type BoardChanged struct {
	Action protocol.WhiteboardAction
}

// FileOffered announces a file available for download from the server.
type FileOffered struct {
	From     string
	Filename string
	Size     int64
}

// ServerError is a non-fatal error message addressed to this
// participant, such as a private chat to an unknown name.
type ServerError struct {
	Message string
}

// Disconnected is the terminal event: the control connection is gone and
// the events channel closes after it. Err is nil when the engine was
// closed locally.
type Disconnected struct {
	Err error
}

func (Joined) event()              {}
func (Left) event()                {}
func (RosterUpdated) event()       {}
func (ChatReceived) event()        {}
func (PrivateChatReceived) event() {}
func (PrivateChatEcho) event()     {}
func (GestureReceived) event()     {}
func (CursorMoved) event()         {}
func (PresentStarted) event()      {}
func (PresentStopped) event()      {}
func (BoardSynced) event()         {}
func (BoardChanged) event()        {}
func (FileOffered) event()         {}
func (ServerError) event()         {}
func (Disconnected) event()        {}
