package model

import (
	"encoding/json"
	"time"
)

// AttemptStage identifies which processing stage produced an attempt record.
type AttemptStage string

const (
	StageFilter AttemptStage = "filter"
	StageFetch  AttemptStage = "fetch"
	StageEnrich AttemptStage = "enrich"
)

// AttemptOutcome is the result of a single processing try.
type AttemptOutcome string

const (
	OutcomeOK      AttemptOutcome = "ok"
	OutcomeFail    AttemptOutcome = "fail"
	OutcomeDiscard AttemptOutcome = "discard"
)

// DiscardReason explains why a killmail was conclusively filtered out.
type DiscardReason string

const (
	DiscardNPCOnly      DiscardReason = "npc_only_or_not_pvp"
	DiscardAwox         DiscardReason = "awox_friendly_fire"
	DiscardSelfDestruct DiscardReason = "self_destruct"
)

// ShipClass buckets a victim ship for analysis.
type ShipClass string

const (
	ShipStructure  ShipClass = "structure"
	ShipCapsule    ShipClass = "capsule"
	ShipFreighter  ShipClass = "freighter"
	ShipHauler     ShipClass = "hauler"
	ShipCapital    ShipClass = "capital"
	ShipSubcapital ShipClass = "subcapital"
)

// RawEvent is one package observed on the event queue. Immutable once
// written; the same killmail_id may be observed more than once, and the
// latest observed_at wins for location/labels metadata.
type RawEvent struct {
	RunID        string          `json:"run_id"`
	ObservedAt   time.Time       `json:"observed_at"`
	KillmailID   int64           `json:"killmail_id"`
	KillmailHash string          `json:"killmail_hash"`
	LocationID   *int64          `json:"location_id,omitempty"`
	Labels       []string        `json:"labels"`
	NPC          bool            `json:"npc"`
	Awox         bool            `json:"awox"`
	Solo         bool            `json:"solo"`
	Href         string          `json:"href,omitempty"`
	Package      json.RawMessage `json:"package_json"`
}

// AttemptRecord is one processing try for a killmail. Append-only.
type AttemptRecord struct {
	RunID       string         `json:"run_id"`
	AttemptedAt time.Time      `json:"attempted_at"`
	KillmailID  int64          `json:"killmail_id"`
	Stage       AttemptStage   `json:"stage"`
	Outcome     AttemptOutcome `json:"outcome"`
	Error       string         `json:"error,omitempty"`
}

// EnrichedRecord is the fully classified form of a killmail.
type EnrichedRecord struct {
	RunID             string          `json:"run_id"`
	EnrichedAt        time.Time       `json:"enriched_at"`
	KillmailID        int64           `json:"killmail_id"`
	KillmailIDHash    string          `json:"killmail_id_hash"`
	KillmailHash      string          `json:"killmail_hash"`
	KillmailTime      string          `json:"killmail_time"`
	SolarSystemName   string          `json:"solar_system_name"`
	StargateRoute     *string         `json:"stargate_route,omitempty"`
	VictimShipClass   ShipClass       `json:"victim_ship_class"`
	IsFreighter       bool            `json:"is_freighter"`
	IsCapsule         bool            `json:"is_capsule"`
	AttackerCount     int             `json:"attacker_count"`
	AttackerCorpNames []string        `json:"attacker_corp_names"`
	IsGanked          bool            `json:"is_ganked"`
	HasSmartbomb      bool            `json:"has_smartbomb"`
	IsWarRelated      bool            `json:"is_war_related"`
	RawDetail         json.RawMessage `json:"raw_esi_json"`
}

// DiscardedRecord marks a killmail as conclusively filtered out.
type DiscardedRecord struct {
	RunID       string        `json:"run_id"`
	DiscardedAt time.Time     `json:"discarded_at"`
	KillmailID  int64         `json:"killmail_id"`
	Reason      DiscardReason `json:"reason"`
	Details     string        `json:"details,omitempty"`
}

// PendingState is the derived per-killmail processing state, recomputed
// from the append-only logs on every query. Never persisted as source of
// truth. Metadata fields carry the latest raw event by observed_at.
type PendingState struct {
	KillmailID    int64      `json:"killmail_id"`
	KillmailHash  string     `json:"killmail_hash"`
	FirstSeen     time.Time  `json:"first_seen_ts"`
	LastSeen      time.Time  `json:"last_seen_ts"`
	LocationID    *int64     `json:"location_id,omitempty"`
	Labels        []string   `json:"labels"`
	NPC           bool       `json:"npc"`
	Awox          bool       `json:"awox"`
	Solo          bool       `json:"solo"`
	Href          string     `json:"href,omitempty"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_ts,omitempty"`
	LastOutcome   string     `json:"last_attempt_outcome,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Worked        bool       `json:"worked"`
}
