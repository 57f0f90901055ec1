package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeClientMessages(t *testing.T) {
	tests := []struct {
		name     string
		msg      ClientMessage
		expected string
	}{
		{
			name:     "start without room name",
			msg:      NewStart("RM1", ""),
			expected: `{"type":"start","roomSid":"RM1","roomName":null}`,
		},
		{
			name:     "start with room name",
			msg:      NewStart("RM1", "Weekly sync"),
			expected: `{"type":"start","roomSid":"RM1","roomName":"Weekly sync"}`,
		},
		{
			name:     "audio",
			msg:      NewAudio([]byte{0x01, 0x02, 0x03}),
			expected: `{"type":"audio","audio":"AQID"}`,
		},
		{
			name:     "stop",
			msg:      Stop{},
			expected: `{"type":"stop"}`,
		},
		{
			name:     "ping",
			msg:      Ping{},
			expected: `{"type":"ping"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if string(data) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, data)
			}
		})
	}
}

func TestDecodeServerMessages(t *testing.T) {
	t.Run("transcript", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"transcript","text":"hello","isFinal":true,"confidence":0.92,"words":[{"text":"hello","start":0.1,"end":0.4,"confidence":0.92}]}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		tr, ok := msg.(Transcript)
		if !ok {
			t.Fatalf("Expected Transcript, got %T", msg)
		}
		if tr.Text != "hello" || !tr.IsFinal || tr.Confidence != 0.92 {
			t.Errorf("Unexpected transcript: %+v", tr)
		}
		if len(tr.Words) != 1 || tr.Words[0].End != 0.4 {
			t.Errorf("Expected one word ending at 0.4, got %+v", tr.Words)
		}
	})

	t.Run("completed", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"completed","fullTranscription":"a b c","summary":{"summary":"abc","nextSteps":["x"]},"stats":{"totalChunks":12,"totalBytes":4096,"finalTranscripts":3,"durationMs":9000}}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		c, ok := msg.(Completed)
		if !ok {
			t.Fatalf("Expected Completed, got %T", msg)
		}
		if c.FullTranscription != "a b c" {
			t.Errorf("Expected full transcription, got %q", c.FullTranscription)
		}
		if c.Summary == nil || c.Summary.Summary != "abc" || len(c.Summary.NextSteps) != 1 {
			t.Errorf("Unexpected summary: %+v", c.Summary)
		}
		if c.Stats == nil || c.Stats.TotalChunks != 12 {
			t.Errorf("Unexpected stats: %+v", c.Stats)
		}
	})

	simple := []struct {
		data string
		typ  string
	}{
		{`{"type":"connected"}`, TypeConnected},
		{`{"type":"started","roomSid":"RM1"}`, TypeStarted},
		{`{"type":"session_info","assemblySessionId":"abc-123"}`, TypeSessionInfo},
		{`{"type":"error","error":"quota exceeded"}`, TypeError},
		{`{"type":"pong"}`, TypePong},
	}
	for _, tt := range simple {
		t.Run(tt.typ, func(t *testing.T) {
			msg, err := Decode([]byte(tt.data))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if msg.Type() != tt.typ {
				t.Errorf("Expected type %s, got %s", tt.typ, msg.Type())
			}
		})
	}

	msg, _ := Decode([]byte(`{"type":"error","error":"quota exceeded"}`))
	if e := msg.(Error); e.Error != "quota exceeded" {
		t.Errorf("Expected error text, got %q", e.Error)
	}
	msg, _ = Decode([]byte(`{"type":"session_info","assemblySessionId":"abc-123"}`))
	if info := msg.(SessionInfo); info.AssemblySessionID != "abc-123" {
		t.Errorf("Expected session id abc-123, got %q", info.AssemblySessionID)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	data := []byte(`{"type":"speaker_change","speaker":"B"}`)
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Expected unknown type to decode, got error: %v", err)
	}
	u, ok := msg.(Unknown)
	if !ok {
		t.Fatalf("Expected Unknown, got %T", msg)
	}
	if u.Type() != "speaker_change" {
		t.Errorf("Expected type speaker_change, got %s", u.Type())
	}
	if !bytes.Equal(u.Raw, data) {
		t.Errorf("Expected raw message to be kept, got %s", u.Raw)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `hello`},
		{"truncated", `{"type":"transcript","text":`},
		{"array", `[1,2,3]`},
		{"wrong field type", `{"type":"transcript","isFinal":"yes"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}

	if _, err := Decode([]byte(`{"text":"no type"}`)); !errors.Is(err, ErrMissingType) {
		t.Errorf("Expected ErrMissingType, got %v", err)
	}
}

func TestDecodeClient(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"audio","audio":"AQID"}`))
	if err != nil {
		t.Fatalf("DecodeClient failed: %v", err)
	}
	audio, ok := msg.(Audio)
	if !ok {
		t.Fatalf("Expected Audio, got %T", msg)
	}
	pcm, err := audio.PCM()
	if err != nil {
		t.Fatalf("PCM failed: %v", err)
	}
	if !bytes.Equal(pcm, []byte{1, 2, 3}) {
		t.Errorf("Expected [1 2 3], got %v", pcm)
	}

	msg, err = DecodeClient([]byte(`{"type":"start","roomSid":"RM7","roomName":null}`))
	if err != nil {
		t.Fatalf("DecodeClient failed: %v", err)
	}
	if start := msg.(Start); start.RoomSID != "RM7" || start.RoomName != nil {
		t.Errorf("Unexpected start: %+v", start)
	}

	if _, err := DecodeClient([]byte(`{"type":"transcript"}`)); err == nil {
		t.Error("Expected error for server type sent by client")
	}
	if _, err := (Audio{Audio: "%%%"}).PCM(); err == nil {
		t.Error("Expected error for invalid base64")
	}
}
