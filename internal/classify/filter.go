// Package classify holds the decision logic applied to each killmail: the
// filter stage that discards non-qualifying events and the enrichment
// derivations computed for survivors.
package classify

import (
	"strconv"
	"strings"

	"github.com/eveobs/killfeed/internal/model"
	"github.com/eveobs/killfeed/pkg/esi"
)

// Filter applies the discard rules in fixed order and returns the first
// matching reason. A filter decision is a conclusive classification, not a
// failure. ok is false when the event is discarded.
func Filter(event model.PendingState, km *esi.Killmail) (reason model.DiscardReason, ok bool) {
	// Order matters: an event that is both npc and awox is discarded as
	// npc_only_or_not_pvp.
	if !hasPlayerAttacker(km) || event.NPC {
		return model.DiscardNPCOnly, false
	}
	if event.Awox {
		return model.DiscardAwox, false
	}
	if isSelfDestruct(km) {
		return model.DiscardSelfDestruct, false
	}
	return "", true
}

func hasPlayerAttacker(km *esi.Killmail) bool {
	for _, a := range km.Attackers {
		if a.CharacterID != 0 {
			return true
		}
	}
	return false
}

// isSelfDestruct is a deliberately narrow heuristic: exactly one attacker,
// with a character identity equal to the victim's. A solo kill by a
// different character is never discarded.
func isSelfDestruct(km *esi.Killmail) bool {
	if km.Victim.CharacterID == 0 || len(km.Attackers) != 1 {
		return false
	}
	a := km.Attackers[0]
	return a.CharacterID != 0 && a.CharacterID == km.Victim.CharacterID
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// catLabels extracts the numeric values of all "cat:N" labels, ignoring
// malformed ones.
func catLabels(labels []string) []int {
	var out []int
	for _, l := range labels {
		rest, found := strings.CutPrefix(l, "cat:")
		if !found {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
