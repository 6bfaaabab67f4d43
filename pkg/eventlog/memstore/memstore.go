// Package memstore is an in-process eventlog.Store used by unit tests and
// the in-memory run profile, grounded on
// kernel/adapters/storage_inmemory.py (original_source): the same
// persist/list/verify shape as the Postgres store, backed by a map instead
// of a table.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/wmag/kernel/pkg/eventlog"
	"github.com/wmag/kernel/pkg/kernel"
)

type row struct {
	event     kernel.Event
	canonical string
	prevHash  string
	hash      string
	kid       string
}

// Store is a mutex-guarded, per-run slice of rows.
type Store struct {
	keyring *eventlog.Keyring

	mu   sync.Mutex
	runs map[string][]row
}

// New constructs an empty Store signing with keyring.
func New(keyring *eventlog.Keyring) *Store {
	return &Store{keyring: keyring, runs: make(map[string][]row)}
}

var _ eventlog.Store = (*Store)(nil)

func (s *Store) Persist(_ context.Context, runID string, ev kernel.Event) (kernel.PersistedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.runs[runID]
	var prevSeq int64
	var prevHash string
	if n := len(rows); n > 0 {
		prevSeq = rows[n-1].event.Seq
		prevHash = rows[n-1].hash
	}

	seq, canonical, hash, kid, err := eventlog.BuildLink(s.keyring, prevSeq, prevHash, ev)
	if err != nil {
		return kernel.PersistedEvent{}, err
	}
	ev.Seq = seq
	s.runs[runID] = append(rows, row{event: ev, canonical: canonical, prevHash: prevHash, hash: hash, kid: kid})

	return kernel.PersistedEvent{
		RunID:     runID,
		Seq:       seq,
		Event:     ev,
		Canonical: canonical,
		PrevHash:  prevHash,
		Hash:      hash,
		KeyID:     kid,
	}, nil
}

func (s *Store) ListUpdates(_ context.Context, runID string, sinceSeq int64) ([]kernel.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.runs[runID]
	out := make([]kernel.Event, 0, len(rows))
	for _, r := range rows {
		if r.event.Seq > sinceSeq {
			out = append(out, r.event)
		}
		if len(out) >= 5000 {
			break
		}
	}
	return out, nil
}

func (s *Store) VerifyChain(_ context.Context, runID string, limit int) (eventlog.VerifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.runs[runID]
	if limit <= 0 || limit > len(rows) {
		limit = len(rows)
	}
	links := make([]eventlog.StoredLink, 0, limit)
	for i := 0; i < limit; i++ {
		r := rows[i]
		links = append(links, eventlog.StoredLink{
			Seq:       r.event.Seq,
			Canonical: r.canonical,
			PrevHash:  r.prevHash,
			Hash:      r.hash,
			KeyID:     r.kid,
		})
	}
	return eventlog.VerifyLinks(s.keyring, links), nil
}

// Reset drops all rows for runID. Test helper only.
func (s *Store) Reset(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

// String implements fmt.Stringer for debug output in failing tests.
func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("memstore.Store{runs=%d}", len(s.runs))
}
