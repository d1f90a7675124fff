// Kiln is an agent-operated control plane for heterogeneous 3D-printer fleets.
// Copyright (C) 2026  Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package safety holds the read-only per-model limit catalog and the G-code
// screening that keeps out-of-limit commands away from adapters.
package safety

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"kiln/pkg/models"
)

//go:embed profiles.yaml
var profilesYAML []byte

// DefaultProfile is returned for unknown profile ids: a conservative
// ceiling that still blocks the genuinely dangerous.
var DefaultProfile = models.SafetyProfile{
	ID:                "default",
	MaxHotendC:        300,
	MaxBedC:           130,
	MaxChamberC:       0,
	MaxFeedrateMMMin:  18000, // 300 mm/s
	MaxVolumetricFlow: 25,
}

// ProfileStore answers limit queries from the bundled dataset.
// Immutable after construction; lookups are O(1).
type ProfileStore struct {
	byID map[string]models.SafetyProfile
}

// NewProfileStore parses the embedded dataset. A malformed bundle is a
// build defect, so the error is fatal to the caller.
func NewProfileStore() (*ProfileStore, error) {
	var doc struct {
		Profiles []models.SafetyProfile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(profilesYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse bundled profiles: %w", err)
	}
	byID := make(map[string]models.SafetyProfile, len(doc.Profiles))
	for _, p := range doc.Profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("bundled profile with empty id")
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate bundled profile id %q", p.ID)
		}
		byID[p.ID] = p
	}
	return &ProfileStore{byID: byID}, nil
}

// Get returns the profile for id, or the conservative default when the id
// is unknown.
func (s *ProfileStore) Get(id string) models.SafetyProfile {
	if p, ok := s.byID[id]; ok {
		return p
	}
	return DefaultProfile
}

// Has reports whether id is a bundled profile.
func (s *ProfileStore) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// List enumerates all bundled profiles sorted by id.
func (s *ProfileStore) List() []models.SafetyProfile {
	out := make([]models.SafetyProfile, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
