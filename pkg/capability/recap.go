package capability

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RecapPrefix marks a challenge resource that carries capability
// attenuations.
const RecapPrefix = "urn:recap:"

var ErrMalformedRecap = errors.New("capability: malformed recap")

type recapPayload struct {
	Att map[string]map[string][]struct{} `json:"att"`
	Prf []string                         `json:"prf"`
}

// RecapURN encodes scopes as a single challenge resource so the wallet
// signature covers exactly the requested capabilities. encoding/json sorts
// map keys, which keeps the output deterministic.
func RecapURN(scopes ...Scope) (string, error) { // A
	if len(scopes) == 0 {
		return "", fmt.Errorf("%w: no scopes", ErrMalformedRecap)
	}
	p := recapPayload{
		Att: make(map[string]map[string][]struct{}),
		Prf: []string{},
	}
	for _, s := range scopes {
		if s.Resource == "" || s.Ability == "" {
			return "", fmt.Errorf(
				"%w: empty resource or ability", ErrMalformedRecap,
			)
		}
		abilities, ok := p.Att[s.Resource]
		if !ok {
			abilities = make(map[string][]struct{})
			p.Att[s.Resource] = abilities
		}
		abilities[string(s.Ability)] = []struct{}{{}}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode recap: %w", err)
	}
	return RecapPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseRecap decodes a recap resource into its scopes, sorted by resource
// then ability.
func ParseRecap(urn string) ([]Scope, error) { // A
	enc, ok := strings.CutPrefix(urn, RecapPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing prefix", ErrMalformedRecap)
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecap, err)
	}
	var p recapPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecap, err)
	}

	var out []Scope
	for res, abilities := range p.Att {
		for ab := range abilities {
			out = append(out, Scope{Resource: res, Ability: Ability(ab)})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no attenuations", ErrMalformedRecap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Ability < out[j].Ability
	})
	return out, nil
}

// ScopesFromResources collects every scope granted by recap entries in a
// challenge's resource list. Non-recap resources are ignored.
func ScopesFromResources(resources []string) ([]Scope, error) { // A
	var out []Scope
	for _, r := range resources {
		if !strings.HasPrefix(r, RecapPrefix) {
			continue
		}
		scopes, err := ParseRecap(r)
		if err != nil {
			return nil, err
		}
		out = append(out, scopes...)
	}
	return out, nil
}
