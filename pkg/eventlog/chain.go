package eventlog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Hash computes the HMAC-SHA256 chain link for one event: the signing key
// named by kid over "prevHash|canonicalJSON". An empty prevHash denotes the
// first event in a run.
func Hash(keyring *Keyring, prevHash, canonicalJSON, kid string) string {
	secret := keyring.Secret(kid)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prevHash + "|" + canonicalJSON))
	return hex.EncodeToString(mac.Sum(nil))
}

// BadLink describes one position where VerifyChain found the stored chain
// diverging from what recomputation produces.
type BadLink struct {
	Seq          int64  `json:"seq"`
	ExpectedPrev string `json:"expected_prev"`
	StoredPrev   string `json:"stored_prev"`
	ExpectedHash string `json:"expected_hash"`
	StoredHash   string `json:"stored_hash"`
	KeyID        string `json:"kid"`
}

// VerifyResult is the outcome of replaying a run's stored chain links.
type VerifyResult struct {
	OK      bool      `json:"ok"`
	Checked int       `json:"checked"`
	Bad     []BadLink `json:"bad"`
}

// VerifyLinks recomputes the hash chain over a sequence of stored links
// (seq ascending) and reports every point of divergence, matching the
// reference verify_chain. Callers cap Bad at a small prefix for readability;
// this function returns every mismatch found.
func VerifyLinks(keyring *Keyring, links []StoredLink) VerifyResult {
	prev := ""
	var bad []BadLink
	for _, l := range links {
		kid := l.KeyID
		if kid == "" {
			kid = keyring.ActiveKID
		}
		expected := Hash(keyring, prev, l.Canonical, kid)
		if l.PrevHash != prev || l.Hash != expected {
			bad = append(bad, BadLink{
				Seq:          l.Seq,
				ExpectedPrev: prev,
				StoredPrev:   l.PrevHash,
				ExpectedHash: expected,
				StoredHash:   l.Hash,
				KeyID:        kid,
			})
		}
		prev = l.Hash
	}
	return VerifyResult{OK: len(bad) == 0, Checked: len(links), Bad: bad}
}

// StoredLink is the subset of a persisted event row VerifyLinks needs.
type StoredLink struct {
	Seq       int64
	Canonical string
	PrevHash  string
	Hash      string
	KeyID     string
}
