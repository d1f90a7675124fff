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

package scheduler

import (
	"context"
	"fmt"
	"sort"

	"kiln/internal/store"
	"kiln/pkg/models"
)

// defaultAlpha is the Laplace smoothing constant: one phantom success and
// one phantom failure, so a printer with no history scores exactly 0.5.
const defaultAlpha = 1.0

// StatsSource answers history queries for routing decisions.
type StatsSource interface {
	RoutingStatsFor(ctx context.Context, printerID, fileHash, material string) (store.RoutingStats, error)
}

// MaterialsTracker is the external collaborator answering "does printer P
// have material M loaded". The router only reads it.
type MaterialsTracker interface {
	IsLoaded(printerID, material string) bool
}

// AnyMaterial is a MaterialsTracker that says yes to everything, for
// fleets that don't track spools.
type AnyMaterial struct{}

// IsLoaded implements MaterialsTracker.
func (AnyMaterial) IsLoaded(string, string) bool { return true }

// Router picks a printer for a job from the current idle candidates using
// smoothed historical success rates.
type Router struct {
	stats     StatsSource
	materials MaterialsTracker
	alpha     float64
}

// RouterConfig tunes the router. Alpha defaults to 1 (Laplace smoothing).
type RouterConfig struct {
	Alpha float64
}

// NewRouter constructs a Router. A nil materials tracker accepts every
// material.
func NewRouter(stats StatsSource, materials MaterialsTracker, cfg RouterConfig) *Router {
	if materials == nil {
		materials = AnyMaterial{}
	}
	alpha := cfg.Alpha
	if alpha <= 0 {
		alpha = defaultAlpha
	}
	return &Router{stats: stats, materials: materials, alpha: alpha}
}

// Choose selects the best candidate for the job, or "" when no candidate
// survives filtering. Candidates must already be idle; Choose applies the
// material filter and history scoring. Ties break alphabetically, which
// makes zero-history fleets deterministic.
func (r *Router) Choose(ctx context.Context, job models.Job, candidates []string) (string, error) {
	filtered := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if job.Material != nil && !r.materials.IsLoaded(name, *job.Material) {
			continue
		}
		filtered = append(filtered, name)
	}
	if len(filtered) == 0 {
		return "", nil
	}
	sort.Strings(filtered)

	material := ""
	if job.Material != nil {
		material = *job.Material
	}

	best := ""
	bestScore := -1.0
	for _, name := range filtered {
		st, err := r.stats.RoutingStatsFor(ctx, name, job.FileHash, material)
		if err != nil {
			return "", fmt.Errorf("routing stats for %s: %w", name, err)
		}
		score := r.score(st)
		// Strict comparison keeps the alphabetically-first winner on ties.
		if score > bestScore {
			best = name
			bestScore = score
		}
	}
	return best, nil
}

// score is (successes + α) / (successes + failures + 2α).
func (r *Router) score(st store.RoutingStats) float64 {
	s := float64(st.Successes)
	f := float64(st.Failures)
	return (s + r.alpha) / (s + f + 2*r.alpha)
}
