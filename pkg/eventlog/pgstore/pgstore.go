// Package pgstore is the Postgres-backed eventlog.Store, grounded on
// kernel/adapters/storage_postgres.py (original_source) persist_update /
// list_updates / verify_chain, adapted from asyncpg to pgx/v5 in the style
// of pkg/database/client.go's pgx usage in the teacher repo.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wmag/kernel/pkg/eventlog"
	"github.com/wmag/kernel/pkg/kernel"
)

// Store persists run events into the run_events table defined by
// pkg/database's migrations.
type Store struct {
	pool    *pgxpool.Pool
	keyring *eventlog.Keyring
}

// New constructs a Store over an already-migrated pool.
func New(pool *pgxpool.Pool, keyring *eventlog.Keyring) *Store {
	return &Store{pool: pool, keyring: keyring}
}

var _ eventlog.Store = (*Store)(nil)

func (s *Store) Persist(ctx context.Context, runID string, ev kernel.Event) (kernel.PersistedEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return kernel.PersistedEvent{}, fmt.Errorf("pgstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize appenders on this run_id until the transaction ends.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('run_events'), hashtext($1))`, runID); err != nil {
		return kernel.PersistedEvent{}, fmt.Errorf("pgstore: lock run: %w", err)
	}

	var prevSeq int64
	var prevHash string
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq),0),
		        COALESCE((SELECT hash FROM run_events WHERE run_id=$1 ORDER BY seq DESC LIMIT 1),'')
		 FROM run_events WHERE run_id=$1`,
		runID,
	).Scan(&prevSeq, &prevHash)
	if err != nil {
		return kernel.PersistedEvent{}, fmt.Errorf("pgstore: read tail: %w", err)
	}

	seq, canonical, hash, kid, err := eventlog.BuildLink(s.keyring, prevSeq, prevHash, ev)
	if err != nil {
		return kernel.PersistedEvent{}, fmt.Errorf("pgstore: build link: %w", err)
	}
	ev.Seq = seq

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return kernel.PersistedEvent{}, fmt.Errorf("pgstore: marshal event: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO run_events(run_id, seq, event, canonical, prev_hash, hash, key_id)
		 VALUES ($1,$2,$3::jsonb,$4::jsonb,$5,$6,$7)`,
		runID, seq, eventJSON, canonical, prevHash, hash, kid,
	)
	if err != nil {
		return kernel.PersistedEvent{}, fmt.Errorf("pgstore: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return kernel.PersistedEvent{}, fmt.Errorf("pgstore: commit: %w", err)
	}

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

func (s *Store) ListUpdates(ctx context.Context, runID string, sinceSeq int64) ([]kernel.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, event FROM run_events WHERE run_id=$1 AND seq > $2 ORDER BY seq ASC LIMIT 5000`,
		runID, sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list updates: %w", err)
	}
	defer rows.Close()

	var out []kernel.Event
	for rows.Next() {
		var seq int64
		var raw []byte
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, fmt.Errorf("pgstore: scan update: %w", err)
		}
		var ev kernel.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("pgstore: decode event: %w", err)
		}
		ev.Seq = seq
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) VerifyChain(ctx context.Context, runID string, limit int) (eventlog.VerifyResult, error) {
	if limit <= 0 {
		limit = 500000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, canonical, prev_hash, hash, key_id FROM run_events WHERE run_id=$1 ORDER BY seq ASC LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return eventlog.VerifyResult{}, fmt.Errorf("pgstore: verify query: %w", err)
	}
	defer rows.Close()

	var links []eventlog.StoredLink
	for rows.Next() {
		var l eventlog.StoredLink
		var canonicalRaw []byte
		var prevHash, hash, keyID *string
		if err := rows.Scan(&l.Seq, &canonicalRaw, &prevHash, &hash, &keyID); err != nil {
			return eventlog.VerifyResult{}, fmt.Errorf("pgstore: scan link: %w", err)
		}
		// canonical is stored as jsonb; re-derive the exact sorted-key
		// string so the hash recomputed here matches what Persist hashed.
		var generic any
		if err := json.Unmarshal(canonicalRaw, &generic); err != nil {
			return eventlog.VerifyResult{}, fmt.Errorf("pgstore: decode canonical: %w", err)
		}
		canonical, err := eventlog.Canonical(generic)
		if err != nil {
			return eventlog.VerifyResult{}, err
		}
		l.Canonical = canonical
		if prevHash != nil {
			l.PrevHash = *prevHash
		}
		if hash != nil {
			l.Hash = *hash
		}
		if keyID != nil {
			l.KeyID = *keyID
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return eventlog.VerifyResult{}, err
	}

	result := eventlog.VerifyLinks(s.keyring, links)
	if len(result.Bad) > 20 {
		result.Bad = result.Bad[:20]
	}
	return result, nil
}

// SeedKeys upserts every key in the store's keyring into audit_keys,
// matching the reference seed_audit_keys best-effort bootstrap.
func (s *Store) SeedKeys(ctx context.Context) error {
	for _, k := range s.keyring.Keys {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO audit_keys(kid, secret, active) VALUES ($1,$2,$3)
			 ON CONFLICT (kid) DO UPDATE SET secret=EXCLUDED.secret`,
			k.KID, k.Secret, k.Active,
		)
		if err != nil {
			return fmt.Errorf("pgstore: seed key %s: %w", k.KID, err)
		}
	}
	_, err := s.pool.Exec(ctx, `UPDATE audit_keys SET active = (kid=$1)`, s.keyring.ActiveKID)
	return err
}
