package policy

import (
	"errors"
	"sync/atomic"
	"time"
)

// Source says where the active policy came from.
type Source string

const (
	SourceUnknown Source = "unknown"
	SourceSeed    Source = "seed"
	SourceS3      Source = "s3"
)

// Snapshot is one loaded policy plus its provenance.
type Snapshot struct {
	Doc      Document
	Hash     string // SHA-256 of the raw document, empty for the seed
	Source   Source
	LoadedAt time.Time
}

// Manager holds the active policy snapshot. Reads are lock-free so the
// decision path can consult policy on every request without contention.
type Manager struct {
	active atomic.Pointer[Snapshot]
}

func NewManager() *Manager { return &Manager{} }

// Seed installs the embedded default policy. Called once at startup before
// any remote load is attempted.
func (m *Manager) Seed() {
	m.Set(Snapshot{Doc: Default(), Source: SourceSeed})
}

// Set swaps in a new snapshot safely
func (m *Manager) Set(s Snapshot) {
	// copy to avoid external mutation
	cp := new(Snapshot)
	*cp = s
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	if cp.Source == "" {
		cp.Source = SourceUnknown
	}
	m.active.Store(cp)
}

// Get retrieves the active snapshot
func (m *Manager) Get() (*Snapshot, bool) {
	s := m.active.Load()
	return s, s != nil && len(s.Doc.Limiters) > 0
}

// Version returns the active policy version, or empty if none is loaded
func (m *Manager) Version() string {
	s := m.active.Load()
	if s == nil {
		return ""
	}
	return s.Doc.Version
}

// Hash returns the active policy document hash, empty for the seed
func (m *Manager) Hash() string {
	s := m.active.Load()
	if s == nil {
		return ""
	}
	return s.Hash
}

// Source returns where the active policy came from, or SourceUnknown if none is loaded
func (m *Manager) Source() Source {
	s := m.active.Load()
	if s == nil {
		return SourceUnknown
	}
	return s.Source
}

// LoadedAt returns when the active policy was loaded, or zero if none is loaded
func (m *Manager) LoadedAt() time.Time {
	s := m.active.Load()
	if s == nil {
		return time.Time{}
	}
	return s.LoadedAt
}

// ReadyErr returns an error if there is no usable policy, wired into the
// readiness probe
func (m *Manager) ReadyErr() error {
	if _, ok := m.Get(); !ok {
		return errors.New("policy: no active document")
	}
	return nil
}
