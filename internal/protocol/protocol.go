package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/skypro1111/meeting-transcriber/internal/transcription"
)

// Message types
const (
	// Client to server
	TypeStart = "start"
	TypeAudio = "audio"
	TypeStop  = "stop"
	TypePing  = "ping"

	// Server to client
	TypeConnected   = "connected"
	TypeStarted     = "started"
	TypeSessionInfo = "session_info"
	TypeTranscript  = "transcript"
	TypeCompleted   = "completed"
	TypeError       = "error"
	TypePong        = "pong"
)

// ErrMissingType is returned when an envelope has no "type" field.
var ErrMissingType = errors.New("protocol: message has no type")

// Message is any envelope that can be put on the wire.
type Message interface {
	Type() string
}

// ClientMessage is one of Start, Audio, Stop, Ping.
type ClientMessage interface {
	Message
	clientMessage()
}

// ServerMessage is one of Connected, Started, SessionInfo, Transcript,
// Completed, Error, Pong or Unknown.
type ServerMessage interface {
	Message
	serverMessage()
}

// Start opens (or resumes) a transcription session for a room.
type Start struct {
	RoomSID  string  `json:"roomSid"`
	RoomName *string `json:"roomName"`
}

// Audio carries one base64-encoded PCM-16 frame.
type Audio struct {
	Audio string `json:"audio"`
}

// Stop asks the server to finalize the session.
type Stop struct{}

// Ping is the client keep-alive.
type Ping struct{}

func (Start) Type() string { return TypeStart }
func (Audio) Type() string { return TypeAudio }
func (Stop) Type() string  { return TypeStop }
func (Ping) Type() string  { return TypePing }

func (Start) clientMessage() {}
func (Audio) clientMessage() {}
func (Stop) clientMessage()  {}
func (Ping) clientMessage()  {}

// NewStart builds a start message. An empty roomName is sent as null.
func NewStart(roomSID, roomName string) Start {
	msg := Start{RoomSID: roomSID}
	if roomName != "" {
		msg.RoomName = &roomName
	}
	return msg
}

// NewAudio wraps raw PCM bytes.
func NewAudio(pcm []byte) Audio {
	return Audio{Audio: base64.StdEncoding.EncodeToString(pcm)}
}

// PCM returns the decoded audio payload.
func (a Audio) PCM() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(a.Audio)
	if err != nil {
		return nil, fmt.Errorf("protocol: invalid audio payload: %w", err)
	}
	return data, nil
}

// Word is per-word timing reported with a transcript.
type Word struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// SessionStats is reported by the server when a session completes.
type SessionStats struct {
	TotalChunks      int   `json:"totalChunks"`
	TotalBytes       int64 `json:"totalBytes"`
	FinalTranscripts int   `json:"finalTranscripts"`
	DurationMs       int64 `json:"durationMs"`
}

// Connected is sent once the server accepts the connection.
type Connected struct{}

// Started acknowledges a Start.
type Started struct {
	RoomSID string `json:"roomSid,omitempty"`
}

// SessionInfo carries the backend's own session correlation id.
type SessionInfo struct {
	AssemblySessionID string `json:"assemblySessionId"`
}

// Transcript is an incremental recognition result. Partial results replace
// each other; a final result is never retracted.
type Transcript struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence,omitempty"`
	Words      []Word  `json:"words,omitempty"`
}

// Completed is the final merged result, sent after Stop.
type Completed struct {
	RoomSID           string                 `json:"roomSid,omitempty"`
	FullTranscription string                 `json:"fullTranscription"`
	Summary           *transcription.Summary `json:"summary,omitempty"`
	Stats             *SessionStats          `json:"stats,omitempty"`
}

// Error reports a server-side failure.
type Error struct {
	Error string `json:"error"`
}

// Pong answers a Ping.
type Pong struct{}

// Unknown is any server message with an unrecognized type.
type Unknown struct {
	Kind string
	Raw  json.RawMessage
}

func (Connected) Type() string   { return TypeConnected }
func (Started) Type() string     { return TypeStarted }
func (SessionInfo) Type() string { return TypeSessionInfo }
func (Transcript) Type() string  { return TypeTranscript }
func (Completed) Type() string   { return TypeCompleted }
func (Error) Type() string       { return TypeError }
func (Pong) Type() string        { return TypePong }
func (u Unknown) Type() string   { return u.Kind }

func (Connected) serverMessage()   {}
func (Started) serverMessage()     {}
func (SessionInfo) serverMessage() {}
func (Transcript) serverMessage()  {}
func (Completed) serverMessage()   {}
func (Error) serverMessage()       {}
func (Pong) serverMessage()        {}
func (Unknown) serverMessage()     {}

// Encode serializes a message with its type discriminator as the first field.
func Encode(m Message) ([]byte, error) {
	if u, ok := m.(Unknown); ok {
		return u.Raw, nil
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: encode %s: not a JSON object", m.Type())
	}

	typ, _ := json.Marshal(m.Type())
	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 1 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// peekType reads the discriminator of an envelope.
func peekType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("protocol: malformed message: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrMissingType
	}
	return envelope.Type, nil
}

// Decode parses a server-to-client message. Unknown types are not an error
// and decode to Unknown.
func Decode(data []byte) (ServerMessage, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeConnected:
		return Connected{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeStarted:
		return decodeAs[Started](data)
	case TypeSessionInfo:
		return decodeAs[SessionInfo](data)
	case TypeTranscript:
		return decodeAs[Transcript](data)
	case TypeCompleted:
		return decodeAs[Completed](data)
	case TypeError:
		return decodeAs[Error](data)
	default:
		return Unknown{Kind: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// DecodeClient parses a client-to-server message. Unknown types are errors:
// a server has nothing sensible to do with them.
func DecodeClient(data []byte) (ClientMessage, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeStart:
		return decodeAs[Start](data)
	case TypeAudio:
		return decodeAs[Audio](data)
	case TypeStop:
		return Stop{}, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown client message type %q", typ)
	}
}

func decodeAs[T Message](data []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("protocol: invalid %s message: %w", msg.Type(), err)
	}
	return msg, nil
}
