// Package protocol defines the wire messages and well-known ports of the
// conference protocol. Control messages travel as newline-delimited JSON,
// screen and file messages as length-prefixed JSON; the exact framing lives
// in internal/wire.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Well-known server ports.
const (
	ControlPort = 9000
	ScreenPort  = 9001
	FilePort    = 9002
	VideoPort   = 10000
	AudioPort   = 11000

	// Default client-side datagram listen ports, advertised in hello.
	ClientVideoPort = 10001
	ClientAudioPort = 11001
)

// Version is the protocol revision advertised over LAN discovery.
const Version = 1

// Message type constants for the control channel.
const (
	TypeHello            = "hello"
	TypeError            = "error"
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypeUserList         = "user_list"
	TypeChat             = "chat"
	TypePrivateChat      = "private_chat"
	TypePrivateChatSent  = "private_chat_sent"
	TypeGesture          = "gesture"
	TypeWhiteboardAction = "whiteboard_action"
	TypeWhiteboardSync   = "whiteboard_sync"
	TypeCursorMove       = "cursor_move"
	TypePresentStart     = "present_start"
	TypePresentStop      = "present_stop"
	TypeBye              = "bye"
	TypeFileOffer        = "file_offer"
)

// Message type constants for the screen-share channel.
const (
	TypeScreenFrame = "screen_frame"
	TypeDisconnect  = "disconnect"
)

// Message type constants for the file channel.
const (
	TypeFileUpload   = "file_upload"
	TypeFileDownload = "file_download"
)

// Screen-share roles.
const (
	RolePresenter = "presenter"
	RoleViewer    = "viewer"
)

// Sentinel byte strings on the file channel.
var (
	SentinelReady = []byte("READY")
	SentinelDone  = []byte("DONE")
	SentinelError = []byte("ERROR")
)

// TypeOf extracts the type tag from a raw message. Returns "" when the
// payload is not a JSON object or carries no type field.
func TypeOf(raw []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Type
}

// Encode marshals a message once so it can be written to many peers.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %T: %w", v, err)
	}
	return data, nil
}

// Hello is the first message on a control connection.
type Hello struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Password  string `json:"password"`
	VideoPort int    `json:"video_port"`
	AudioPort int    `json:"audio_port"`
}

// Error is sent to a single client. AuthFailed marks the session as
// unrecoverable on the client side.
type Error struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	AuthFailed bool   `json:"auth_failed,omitempty"`
}

// Join announces a new participant to everyone already present.
type Join struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Leave announces a departure. Addr is the participant's IP.
type Leave struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// RosterEntry is one participant in a user_list message.
type RosterEntry struct {
	Name  string `json:"name"`
	Addr  string `json:"addr"`
	Color string `json:"color"`
}

// UserList carries the full roster.
type UserList struct {
	Type  string        `json:"type"`
	Users []RosterEntry `json:"users"`
}

// Chat is a group chat message, broadcast to all participants including
// the sender.
type Chat struct {
	Type    string `json:"type"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

// PrivateChat is a direct message. Clients set To; the server delivers it
// to the recipient with From set.
type PrivateChat struct {
	Type    string `json:"type"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Message string `json:"message"`
}

// PrivateChatSent is the server's echo to the sender of a private chat.
type PrivateChatSent struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// Gesture carries a pre-classified gesture tag. The server treats the tag
// as opaque; tags seen from clients include thumbs_up, peace, wave, heart
// and clap.
type Gesture struct {
	Type        string `json:"type"`
	From        string `json:"from,omitempty"`
	GestureType string `json:"gesture_type"`
}

// CursorMove reports a whiteboard cursor position. The server fills in
// From and the sender's assigned color on broadcast.
type CursorMove struct {
	Type  string  `json:"type"`
	From  string  `json:"from,omitempty"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Color string  `json:"color,omitempty"`
}

// Presence marks the start or end of a screen-share, relayed as-is with
// From attribution.
type Presence struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"`
}

// Bye is an advisory farewell; absence is handled by EOF.
type Bye struct {
	Type string `json:"type"`
}

// Point is a 2D coordinate on the whiteboard.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is a freehand whiteboard line.
type Stroke struct {
	ID        string  `json:"id"`
	Points    []Point `json:"points"`
	Color     string  `json:"color"`
	Width     float64 `json:"width"`
	Timestamp float64 `json:"timestamp"`
}

// Shape kinds.
const (
	ShapeCircle = "circle"
	ShapeRect   = "rect"
	ShapeLine   = "line"
)

// Shape is a geometric whiteboard element. Circles use |start-end| as
// radius, rectangles use start as top-left and end as bottom-right, lines
// connect start to end literally.
type Shape struct {
	ID        string  `json:"id"`
	Kind      string  `json:"type"`
	Start     Point   `json:"start"`
	End       Point   `json:"end"`
	Color     string  `json:"color"`
	Width     float64 `json:"width"`
	Timestamp float64 `json:"timestamp"`
}

// TextItem is a text label placed on the whiteboard.
type TextItem struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Color     string  `json:"color"`
	Size      float64 `json:"size"`
	Timestamp float64 `json:"timestamp"`
}

// BoardState is the full whiteboard snapshot.
type BoardState struct {
	Strokes []Stroke   `json:"strokes"`
	Shapes  []Shape    `json:"shapes"`
	Texts   []TextItem `json:"texts"`
	Version uint64     `json:"version"`
}

// Whiteboard actions.
const (
	ActionDraw  = "draw"
	ActionShape = "shape"
	ActionText  = "text"
	ActionErase = "erase"
	ActionClear = "clear"
	ActionUndo  = "undo"
)

// WhiteboardAction applies one mutation to the shared whiteboard. Data
// holds the element payload for draw/shape/text; EraseID names the target
// of an erase. The server attributes From and stamps Version on broadcast.
type WhiteboardAction struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data,omitempty"`
	EraseID string          `json:"erase_id,omitempty"`
	Version uint64          `json:"version,omitempty"`
}

// WhiteboardSync delivers the full board snapshot to a new participant
// before any subsequent delta.
type WhiteboardSync struct {
	Type  string     `json:"type"`
	State BoardState `json:"state"`
}

// FileOffer announces an uploaded file to every participant.
type FileOffer struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// ScreenRole selects presenter or viewer on a fresh screen connection.
type ScreenRole struct {
	Role string `json:"role"`
}

// ScreenRoleAck acknowledges a role selection. Reason tells a viewer
// whether a presenter is currently active.
type ScreenRoleAck struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ScreenFrame carries one base64-encoded JPEG screen capture.
type ScreenFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Disconnect is the presenter's explicit farewell on the screen channel.
type Disconnect struct {
	Type string `json:"type"`
}

// FileUpload is the header of an upload operation.
type FileUpload struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	From     string `json:"from"`
}

// FileDownload is the header of a download operation.
type FileDownload struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// FileSizeInfo is the newline-terminated size line preceding a download
// body.
type FileSizeInfo struct {
	Size int64 `json:"size"`
}
