package audio

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func constant(v float32, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestMixerAddBeforeOpen(t *testing.T) {
	m := NewMixer(quietLogger())

	err := m.AddSource("alice", NewSliceTrack(constant(0.1, 8)))
	if !errors.Is(err, ErrMixerNotReady) {
		t.Errorf("Expected ErrMixerNotReady, got %v", err)
	}
	if count := m.ParticipantCount(); count != 0 {
		t.Errorf("Expected 0 participants before open, got %d", count)
	}
}

func TestMixerDuplicateSourceReplacesConnection(t *testing.T) {
	m := NewMixer(quietLogger())
	if err := m.Open(NewSliceTrack(constant(0, 1024))); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	first := NewSliceTrack(constant(0.25, 1024))
	second := NewSliceTrack(constant(0.5, 1024))

	if err := m.AddSource("alice", first); err != nil {
		t.Fatalf("AddSource failed: %v", err)
	}
	if err := m.AddSource("alice", second); err != nil {
		t.Fatalf("AddSource failed: %v", err)
	}

	if !first.Closed() {
		t.Error("Expected previous connection to be disconnected")
	}
	if second.Closed() {
		t.Error("Expected new connection to stay connected")
	}
	if count := m.ParticipantCount(); count != 2 {
		t.Errorf("Expected 2 participants, got %d", count)
	}

	buf := make([]float32, 4)
	if _, err := m.Read(buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if buf[0] != 0.5 {
		t.Errorf("Expected only the new connection in the mix (0.5), got %f", buf[0])
	}
}

func TestMixerRemoveSource(t *testing.T) {
	m := NewMixer(quietLogger())
	if err := m.Open(NewSliceTrack(constant(0, 1024))); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	track := NewSliceTrack(constant(0.3, 1024))
	if err := m.AddSource("bob", track); err != nil {
		t.Fatalf("AddSource failed: %v", err)
	}

	if !m.RemoveSource("bob") {
		t.Error("Expected RemoveSource to report a registered connection")
	}
	if m.RemoveSource("bob") {
		t.Error("Expected second RemoveSource to be a no-op")
	}
	if !track.Closed() {
		t.Error("Expected removed track to be disconnected")
	}
	if ids := m.Participants(); len(ids) != 0 {
		t.Errorf("Expected no remote participants, got %v", ids)
	}
}

func TestMixerSumsAndClamps(t *testing.T) {
	m := NewMixer(quietLogger())
	if err := m.Open(NewSliceTrack(constant(0.6, 16))); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = m.AddSource("a", NewSliceTrack(constant(0.3, 16)))
	_ = m.AddSource("b", NewSliceTrack(constant(0.4, 8)))

	buf := make([]float32, 16)
	n, err := m.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 16 {
		t.Fatalf("Expected 16 samples, got %d", n)
	}
	if buf[0] != 1 {
		t.Errorf("Expected clamped sample 1, got %f", buf[0])
	}
	// Source b only had 8 samples: the rest of the block is 0.6 + 0.3
	if buf[12] < 0.89 || buf[12] > 0.91 {
		t.Errorf("Expected ~0.9 after short source, got %f", buf[12])
	}
}

func TestMixerDropsEndedRemote(t *testing.T) {
	m := NewMixer(quietLogger())
	if err := m.Open(NewSliceTrack(constant(0, 64))); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = m.AddSource("carol", NewSliceTrack(constant(0.2, 4)))

	buf := make([]float32, 4)
	if _, err := m.Read(buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, err := m.Read(buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if count := m.ParticipantCount(); count != 1 {
		t.Errorf("Expected ended remote to be dropped, got %d participants", count)
	}
}

func TestMixerLocalEOF(t *testing.T) {
	m := NewMixer(quietLogger())
	if err := m.Open(NewSliceTrack(constant(0.1, 4))); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	buf := make([]float32, 4)
	if _, err := m.Read(buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, err := m.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF once local track ends, got %v", err)
	}
}

func TestMixerShutdown(t *testing.T) {
	m := NewMixer(quietLogger())
	local := NewSliceTrack(constant(0, 64))
	remote := NewSliceTrack(constant(0, 64))
	if err := m.Open(local); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = m.AddSource("dave", remote)

	m.Shutdown()
	m.Shutdown()

	if !local.Closed() || !remote.Closed() {
		t.Error("Expected every source to be disconnected on shutdown")
	}
	if err := m.AddSource("erin", NewSliceTrack(nil)); !errors.Is(err, ErrMixerClosed) {
		t.Errorf("Expected ErrMixerClosed after shutdown, got %v", err)
	}
	if _, err := m.Read(make([]float32, 4)); !errors.Is(err, ErrMixerClosed) {
		t.Errorf("Expected ErrMixerClosed from Read, got %v", err)
	}
	if count := m.ParticipantCount(); count != 0 {
		t.Errorf("Expected 0 participants after shutdown, got %d", count)
	}
}

func TestPushTrackDropsOldest(t *testing.T) {
	track := NewPushTrack(4)
	track.Write([]float32{1, 2, 3})
	track.Write([]float32{4, 5, 6})

	if dropped := track.Dropped(); dropped != 2 {
		t.Errorf("Expected 2 dropped samples, got %d", dropped)
	}

	buf := make([]float32, 8)
	n, err := track.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 4 || buf[0] != 3 || buf[3] != 6 {
		t.Errorf("Expected newest samples [3 4 5 6], got %v", buf[:n])
	}

	n, err = track.Read(buf)
	if n != 0 || err != nil {
		t.Errorf("Expected empty non-ended track to read 0, nil; got %d, %v", n, err)
	}

	track.End()
	if _, err := track.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after End, got %v", err)
	}
}
