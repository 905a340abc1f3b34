package artifact

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an artifact to canonical JSON for durable storage.
// Canonical form keeps stored payloads byte-stable: re-encoding an unchanged
// artifact always produces identical bytes, so hashes computed from stored
// payloads match hashes computed in memory.
func Encode(a *Artifact) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("cannot encode nil artifact")
	}
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
	data, err := MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("encode artifact %s: %w", a.Identity, err)
	}
	return data, nil
}

// Decode parses an artifact from its stored canonical JSON payload.
func Decode(data []byte) (*Artifact, error) {
	var raw struct {
		Type     string                     `json:"type"`
		Name     string                     `json:"name"`
		Regions  map[string]json.RawMessage `json:"regions"`
		Refs     []string                   `json:"refs"`
		NoExpand bool                       `json:"no_expand"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if raw.Type == "" || raw.Name == "" {
		return nil, fmt.Errorf("decode artifact: missing type or name")
	}

	regions := make(map[string]Value, len(raw.Regions))
	for name, body := range raw.Regions {
		v, err := UnmarshalValue(body)
		if err != nil {
			return nil, fmt.Errorf("decode artifact %s:%s region %q: %w", raw.Type, raw.Name, name, err)
		}
		regions[name] = v
	}

	refs := make([]Identity, 0, len(raw.Refs))
	for _, r := range raw.Refs {
		id, err := ParseIdentity(r)
		if err != nil {
			return nil, fmt.Errorf("decode artifact %s:%s: %w", raw.Type, raw.Name, err)
		}
		refs = append(refs, id)
	}

	return &Artifact{
		Identity: Identity{Type: raw.Type, Name: raw.Name},
		Regions:  regions,
		Refs:     refs,
		NoExpand: raw.NoExpand,
	}, nil
}
