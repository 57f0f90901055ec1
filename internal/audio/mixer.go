package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrMixerNotReady is returned when a source is added before Open.
	ErrMixerNotReady = errors.New("audio/mixer: mixing bus not initialized")

	// ErrMixerClosed is returned by operations on a mixer after Shutdown.
	ErrMixerClosed = errors.New("audio/mixer: mixing bus released")
)

// Track is a raw participant audio source. Read fills p with mono float
// samples in [-1, 1] and must not block: a source with nothing buffered
// returns 0, nil and the mixer treats the gap as silence. io.EOF means the
// track has ended.
//
// A Track that also implements io.Closer is closed when it is disconnected
// from the bus.
type Track interface {
	Read(p []float32) (int, error)
}

// connection is one track attached to the mix bus.
type connection struct {
	id    string
	track Track
}

func (c *connection) disconnect() {
	if closer, ok := c.track.(io.Closer); ok {
		// Disconnecting an already-ended track is not an error worth reporting.
		_ = closer.Close()
	}
}

// Mixer owns the single mixing bus of a session. The local participant is
// attached by Open and stays on the bus until Shutdown; remote participants
// come and go through AddSource and RemoveSource.
//
// It is safe to call methods on Mixer from multiple goroutines.
type Mixer struct {
	logger *slog.Logger

	mu      sync.Mutex
	local   *connection
	sources map[string]*connection
	ready   bool
	closed  bool
	scratch []float32
}

// NewMixer creates a mixer whose bus is not yet initialized.
func NewMixer(logger *slog.Logger) *Mixer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mixer{
		logger:  logger,
		sources: make(map[string]*connection),
	}
}

// Open initializes the bus with the permanent local source.
func (m *Mixer) Open(local Track) error {
	if local == nil {
		return fmt.Errorf("audio/mixer: local track is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMixerClosed
	}
	if m.ready {
		return fmt.Errorf("audio/mixer: bus already open")
	}

	m.local = &connection{id: "local", track: local}
	m.ready = true
	return nil
}

// AddSource attaches a remote participant's track. Adding an id that is
// already registered first disconnects the previous connection, so each id
// has at most one connection on the bus. Before Open or after Shutdown the
// call is a logged no-op.
func (m *Mixer) AddSource(id string, track Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.logger.Warn("Mixing bus released, ignoring source", slog.String("participant", id))
		return ErrMixerClosed
	}
	if !m.ready {
		m.logger.Warn("Mixing bus not initialized, ignoring source", slog.String("participant", id))
		return ErrMixerNotReady
	}
	if track == nil {
		return fmt.Errorf("audio/mixer: nil track for participant %s", id)
	}

	m.removeLocked(id)
	m.sources[id] = &connection{id: id, track: track}

	m.logger.Info("Added remote audio",
		slog.String("participant", id),
		slog.Int("participants", len(m.sources)+1),
	)
	return nil
}

// RemoveSource detaches a participant. It reports whether a connection was
// registered for id.
func (m *Mixer) RemoveSource(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.removeLocked(id) {
		return false
	}
	m.logger.Info("Removed remote audio", slog.String("participant", id))
	return true
}

func (m *Mixer) removeLocked(id string) bool {
	conn, ok := m.sources[id]
	if !ok {
		return false
	}
	conn.disconnect()
	delete(m.sources, id)
	return true
}

// Shutdown disconnects every source, including the local one, and releases
// the bus. It is idempotent.
func (m *Mixer) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	if m.local != nil {
		m.local.disconnect()
		m.local = nil
	}
	for id, conn := range m.sources {
		conn.disconnect()
		delete(m.sources, id)
	}
	m.scratch = nil
}

// Read mixes one block from every connected track into p. Tracks are summed
// and the result clamped to [-1, 1]; a short read from a track leaves the
// remainder silent. A remote track that fails or ends is dropped from the
// bus. When the local track ends, Read returns io.EOF: the capture device is
// gone and the session has no more audio.
func (m *Mixer) Read(p []float32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrMixerClosed
	}
	if !m.ready {
		return 0, ErrMixerNotReady
	}

	for i := range p {
		p[i] = 0
	}
	if cap(m.scratch) < len(p) {
		m.scratch = make([]float32, len(p))
	}
	scratch := m.scratch[:len(p)]

	n, err := m.local.track.Read(scratch)
	accumulate(p, scratch[:n])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return 0, io.EOF
		}
		if !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("audio/mixer: read local track: %w", err)
		}
	}

	for id, conn := range m.sources {
		n, err := conn.track.Read(scratch)
		accumulate(p, scratch[:n])
		if err != nil {
			m.logger.Info("Remote audio ended",
				slog.String("participant", id),
				slog.String("reason", err.Error()),
			)
			conn.disconnect()
			delete(m.sources, id)
		}
	}

	for i, s := range p {
		if s > 1 {
			p[i] = 1
		} else if s < -1 {
			p[i] = -1
		}
	}
	return len(p), nil
}

func accumulate(dst, src []float32) {
	for i, s := range src {
		dst[i] += s
	}
}

// Participants returns the registered remote participant ids, sorted.
func (m *Mixer) Participants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ParticipantCount returns the number of sources on the bus, local included.
func (m *Mixer) ParticipantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready || m.closed {
		return 0
	}
	return len(m.sources) + 1
}
