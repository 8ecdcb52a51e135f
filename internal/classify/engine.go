package classify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/eveobs/killfeed/internal/model"
	"github.com/eveobs/killfeed/pkg/esi"
)

// Stargate object ids occupy a fixed numeric range in the universe id space.
const (
	stargateIDMin = 50000000
	stargateIDMax = 59999999
)

// haulerGroups are the ship group names classified as haulers.
var haulerGroups = map[string]bool{
	"industrial":           true,
	"transport ship":       true,
	"blockade runner":      true,
	"deep space transport": true,
}

// Resolver is the metadata lookup surface the engine needs; esi.Client
// satisfies it.
type Resolver interface {
	SystemName(ctx context.Context, systemID int64) (string, error)
	Stargate(ctx context.Context, stargateID int64) (*esi.Stargate, error)
	CorporationName(ctx context.Context, corporationID int64) (string, error)
	Type(ctx context.Context, typeID int64) (*esi.TypeInfo, error)
	Group(ctx context.Context, groupID int64) (*esi.GroupInfo, error)
}

// Engine derives the enrichment attributes for events that survived the
// filter stage.
type Engine struct {
	resolver Resolver
}

// NewEngine creates an Engine backed by the given metadata resolver.
func NewEngine(resolver Resolver) *Engine {
	return &Engine{resolver: resolver}
}

// Enrich computes the full enriched record for one killmail. Run id and
// enrichment timestamp are stamped by the caller. Any lookup failure
// aborts enrichment; the caller records the attempt and the event stays
// eligible for retry.
func (e *Engine) Enrich(ctx context.Context, event model.PendingState, km *esi.Killmail) (*model.EnrichedRecord, error) {
	systemName, err := e.resolver.SystemName(ctx, km.SolarSystemID)
	if err != nil {
		return nil, err
	}

	route, err := e.stargateRoute(ctx, event.LocationID)
	if err != nil {
		return nil, err
	}

	shipClass, isFreighter, isCapsule, err := e.victimShipClass(ctx, event.Labels, km.Victim)
	if err != nil {
		return nil, err
	}

	smartbomb, err := e.hasSmartbomb(ctx, km.Attackers)
	if err != nil {
		return nil, err
	}

	return &model.EnrichedRecord{
		KillmailID:        event.KillmailID,
		KillmailIDHash:    model.KillmailIDHash(event.KillmailID),
		KillmailHash:      event.KillmailHash,
		KillmailTime:      km.KillmailTime,
		SolarSystemName:   systemName,
		StargateRoute:     route,
		VictimShipClass:   shipClass,
		IsFreighter:       isFreighter,
		IsCapsule:         isCapsule,
		AttackerCount:     len(km.Attackers),
		AttackerCorpNames: e.attackerCorpNames(ctx, km.Attackers),
		IsGanked:          hasLabel(event.Labels, "ganked"),
		HasSmartbomb:      smartbomb,
		IsWarRelated:      km.WarID > 0,
		RawDetail:         km.Raw,
	}, nil
}

// victimShipClass buckets the victim's ship. First matching rule wins;
// the "cat:8" structure label overrides every ship-type lookup, so
// structures resolve without any network call.
func (e *Engine) victimShipClass(ctx context.Context, labels []string, victim esi.Victim) (class model.ShipClass, isFreighter, isCapsule bool, err error) {
	if hasLabel(labels, "cat:8") {
		return model.ShipStructure, false, false, nil
	}

	groupName := ""
	if victim.ShipTypeID != 0 {
		ti, err := e.resolver.Type(ctx, victim.ShipTypeID)
		if err != nil {
			return "", false, false, err
		}
		if ti.GroupID != 0 {
			gi, err := e.resolver.Group(ctx, ti.GroupID)
			if err != nil {
				return "", false, false, err
			}
			groupName = strings.ToLower(gi.Name)
		}
	}

	if groupName == "capsule" {
		return model.ShipCapsule, false, true, nil
	}
	if hasLabel(labels, "cat:6") || groupName == "freighter" || groupName == "jump freighter" {
		return model.ShipFreighter, true, false, nil
	}
	if haulerGroups[groupName] {
		return model.ShipHauler, false, false, nil
	}

	cats := catLabels(labels)
	for _, n := range cats {
		if n >= 6 && n <= 7 {
			return model.ShipCapital, false, false, nil
		}
	}
	for _, n := range cats {
		if n <= 5 {
			return model.ShipSubcapital, false, false, nil
		}
	}
	return model.ShipSubcapital, false, false, nil
}

// stargateRoute resolves "<origin> → <destination>" when the kill location
// is a stargate. Locations outside the stargate id range yield no route
// and no lookups.
func (e *Engine) stargateRoute(ctx context.Context, locationID *int64) (*string, error) {
	if locationID == nil || *locationID < stargateIDMin || *locationID > stargateIDMax {
		return nil, nil
	}

	origin, err := e.resolver.Stargate(ctx, *locationID)
	if err != nil {
		return nil, err
	}
	if origin.Destination.StargateID == 0 {
		return nil, nil
	}
	dest, err := e.resolver.Stargate(ctx, origin.Destination.StargateID)
	if err != nil {
		return nil, err
	}

	originName, err := e.resolver.SystemName(ctx, origin.SystemID)
	if err != nil {
		return nil, err
	}
	destName, err := e.resolver.SystemName(ctx, dest.SystemID)
	if err != nil {
		return nil, err
	}

	route := fmt.Sprintf("%s → %s", originName, destName)
	return &route, nil
}

// relevantCorpIDs selects the attacker corporations worth naming, in
// priority order: final blow, highest single damage, most attackers, then
// every corp fielding at least a quarter of the attackers. Ties go to the
// corp seen first in attacker order.
func relevantCorpIDs(attackers []esi.Attacker) []int64 {
	if len(attackers) == 0 {
		return nil
	}

	var (
		finalCorp  int64
		topDmgCorp int64
		topDmg     int64 = -1
		corpOrder  []int64
		corpCounts = make(map[int64]int)
	)
	for _, a := range attackers {
		if a.CorporationID == 0 {
			continue
		}
		if _, seen := corpCounts[a.CorporationID]; !seen {
			corpOrder = append(corpOrder, a.CorporationID)
		}
		corpCounts[a.CorporationID]++
		if a.FinalBlow {
			finalCorp = a.CorporationID
		}
		if a.DamageDone > topDmg {
			topDmg = a.DamageDone
			topDmgCorp = a.CorporationID
		}
	}

	var mostCorp int64
	most := 0
	for _, cid := range corpOrder {
		if corpCounts[cid] > most {
			most = corpCounts[cid]
			mostCorp = cid
		}
	}

	threshold := len(attackers) / 4
	if threshold < 1 {
		threshold = 1
	}

	chosen := make([]int64, 0, 4)
	seen := make(map[int64]bool)
	add := func(cid int64) {
		if cid != 0 && !seen[cid] {
			seen[cid] = true
			chosen = append(chosen, cid)
		}
	}
	add(finalCorp)
	add(topDmgCorp)
	add(mostCorp)
	for _, cid := range corpOrder {
		if corpCounts[cid] >= threshold {
			add(cid)
		}
	}
	return chosen
}

// attackerCorpNames resolves the relevant corp ids to display names,
// silently skipping ids that fail to resolve and deduplicating names.
func (e *Engine) attackerCorpNames(ctx context.Context, attackers []esi.Attacker) []string {
	names := make([]string, 0, 4)
	seen := make(map[string]bool)
	for _, cid := range relevantCorpIDs(attackers) {
		name, err := e.resolver.CorporationName(ctx, cid)
		if err != nil {
			zap.L().Debug("classify: corp name lookup failed",
				zap.Int64("corporation_id", cid), zap.Error(err))
			continue
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// hasSmartbomb reports whether any attacker weapon belongs to a smartbomb
// group, stopping at the first match.
func (e *Engine) hasSmartbomb(ctx context.Context, attackers []esi.Attacker) (bool, error) {
	for _, a := range attackers {
		if a.WeaponTypeID == 0 {
			continue
		}
		ti, err := e.resolver.Type(ctx, a.WeaponTypeID)
		if err != nil {
			return false, err
		}
		if ti.GroupID == 0 {
			continue
		}
		gi, err := e.resolver.Group(ctx, ti.GroupID)
		if err != nil {
			return false, err
		}
		if strings.Contains(strings.ToLower(gi.Name), "smartbomb") {
			return true, nil
		}
	}
	return false, nil
}
