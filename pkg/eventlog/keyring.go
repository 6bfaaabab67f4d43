// Package eventlog implements the append-only, HMAC-chained run event log:
// canonical JSON encoding, the prev_hash/hash chain, key rotation, and the
// Store contract persistence and projection code build on.
//
// Grounded on kernel/adapters/storage_postgres.py (original_source):
// _canonical_json, _load_audit_keyring/_get_key/_active_kid, and _hash.
package eventlog

import (
	"encoding/json"
	"errors"
	"os"
)

// Key is one HMAC signing key in the keyring.
type Key struct {
	KID    string `json:"kid"`
	Secret string `json:"secret"`
	Active bool   `json:"active"`
}

// Keyring holds every key the log has ever signed with, plus the one
// currently active for new writes. Old keys stay resolvable by kid so
// VerifyChain can recheck events signed before a rotation.
type Keyring struct {
	Keys      []Key
	ActiveKID string
}

// ErrNoActiveKey is returned by NewKeyring when no key is marked active and
// the keyring is empty, so there is nothing to fall back to.
var ErrNoActiveKey = errors.New("eventlog: keyring has no keys")

// NewKeyring builds a keyring from an explicit key list, designating the
// first key flagged active (or the first key, if none is flagged) as
// active.
func NewKeyring(keys []Key) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoActiveKey
	}
	active := keys[0].KID
	for _, k := range keys {
		if k.Active {
			active = k.KID
			break
		}
	}
	return &Keyring{Keys: keys, ActiveKID: active}, nil
}

// LoadKeyringFromEnv loads the keyring the way the reference storage layer
// does: a preferred AUDIT_KEYS_JSON array, falling back to a single key
// from AUDIT_SECRET (or a dev default) under kid "k0".
func LoadKeyringFromEnv() (*Keyring, error) {
	if raw := os.Getenv("AUDIT_KEYS_JSON"); raw != "" {
		var keys []Key
		if err := json.Unmarshal([]byte(raw), &keys); err == nil && len(keys) > 0 {
			valid := make([]Key, 0, len(keys))
			for _, k := range keys {
				if k.KID != "" && k.Secret != "" {
					valid = append(valid, k)
				}
			}
			if len(valid) > 0 {
				return NewKeyring(valid)
			}
		}
	}
	secret := os.Getenv("AUDIT_SECRET")
	if secret == "" {
		secret = "dev_audit_secret_change_me"
	}
	return NewKeyring([]Key{{KID: "k0", Secret: secret, Active: true}})
}

// Secret resolves a kid to its signing secret, falling back to the active
// key's secret for an unknown kid (matching the reference _get_key
// fallback, so a verify pass against a partially-rotated keyring never
// panics on a stale kid).
func (k *Keyring) Secret(kid string) string {
	for _, key := range k.Keys {
		if key.KID == kid {
			return key.Secret
		}
	}
	for _, key := range k.Keys {
		if key.KID == k.ActiveKID {
			return key.Secret
		}
	}
	return ""
}
