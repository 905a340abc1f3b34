package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix enables
// future algorithm migration without colliding with existing ids.
const (
	DomainArtifact = "tracksync/artifact/v1"
	DomainRegion   = "tracksync/region/v1"
	DomainCommit   = "tracksync/commit/v1"
	DomainSnapshot = "tracksync/snapshot/v1"
)

// HashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain || 0x00 || data). The null byte prevents
// domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash computes the content-addressed hash of the artifact. Two artifacts
// that differ only in map key order or string normalization hash equal.
// Refs and NoExpand participate: they are declared state that must survive
// a round-trip through a branch.
func (a *Artifact) Hash() (string, error) {
	regions := make(Map, len(a.Regions))
	for name, body := range a.Regions {
		regions[name] = body
	}
	refs := make(List, len(a.Refs))
	for i, r := range a.Refs {
		refs[i] = String(r.String())
	}
	obj := Map{
		"type":    String(a.Identity.Type),
		"name":    String(a.Identity.Name),
		"regions": regions,
	}
	if len(a.Refs) > 0 {
		obj["refs"] = refs
	}
	if a.NoExpand {
		obj["no_expand"] = Bool(true)
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("hash artifact %s: %w", a.Identity, err)
	}
	return HashWithDomain(DomainArtifact, canonical), nil
}

// RegionHash computes the content-addressed hash of a single region body.
// Region hashes drive conflict detection: two sides conflict only when they
// produce different hashes for the same region.
func RegionHash(body Value) (string, error) {
	canonical, err := MarshalCanonical(body)
	if err != nil {
		return "", fmt.Errorf("hash region: %w", err)
	}
	return HashWithDomain(DomainRegion, canonical), nil
}

// MustHash is like Hash but panics on error. Use only in tests or when the
// artifact is known to be valid.
func (a *Artifact) MustHash() string {
	h, err := a.Hash()
	if err != nil {
		panic(err)
	}
	return h
}
