package eventlog

import (
	"context"

	"github.com/wmag/kernel/pkg/kernel"
)

// Store is the append-only event log contract every FlowEngine stage emits
// through. Implementations must make Persist atomic: seq and prev_hash read
// plus the insert happen under one lock per run_id so concurrent emitters
// (there should never be more than one live job per run, but crash-replay
// can race a stale worker) can never produce two rows at the same seq.
type Store interface {
	// Persist appends ev as the next event for runID, assigning it seq =
	// previous max seq + 1 and chaining its hash off the previous row's
	// hash. Returns the fully persisted row including canonical/hash/kid.
	Persist(ctx context.Context, runID string, ev kernel.Event) (kernel.PersistedEvent, error)

	// ListUpdates returns the events for runID with seq > sinceSeq, at most
	// 5000 per call, in ascending seq order, each annotated with its _seq. Used both for
	// resumable streaming and for chain replay on reconnect.
	ListUpdates(ctx context.Context, runID string, sinceSeq int64) ([]kernel.Event, error)

	// VerifyChain recomputes the HMAC chain for runID and reports any
	// divergence from the stored prev_hash/hash values.
	VerifyChain(ctx context.Context, runID string, limit int) (VerifyResult, error)
}

// BuildLink assigns the next seq and computes the canonical encoding and
// chained hash for ev, given the run's current tail (prevSeq/prevHash).
// Store implementations call this inside the transaction that reads the
// tail and call the returned link is recorded in, so the read-then-write is
// atomic from the caller's perspective.
func BuildLink(keyring *Keyring, prevSeq int64, prevHash string, ev kernel.Event) (seq int64, canonical, hash, kid string, err error) {
	seq = prevSeq + 1
	ev.Seq = seq
	canonical, err = Canonical(ev)
	if err != nil {
		return 0, "", "", "", err
	}
	kid = keyring.ActiveKID
	hash = Hash(keyring, prevHash, canonical, kid)
	return seq, canonical, hash, kid, nil
}
