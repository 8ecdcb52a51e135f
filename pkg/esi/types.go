package esi

import "encoding/json"

// Killmail is the detail record for one destruction event.
type Killmail struct {
	KillmailID    int64      `json:"killmail_id"`
	KillmailTime  string     `json:"killmail_time"`
	SolarSystemID int64      `json:"solar_system_id"`
	WarID         int64      `json:"war_id,omitempty"`
	Victim        Victim     `json:"victim"`
	Attackers     []Attacker `json:"attackers"`

	// Raw is the unparsed response body, carried for downstream storage.
	Raw json.RawMessage `json:"-"`
}

// Victim identifies the destroyed party.
type Victim struct {
	CharacterID   int64 `json:"character_id,omitempty"`
	CorporationID int64 `json:"corporation_id,omitempty"`
	ShipTypeID    int64 `json:"ship_type_id,omitempty"`
}

// Attacker is one participant on a killmail, in upstream order.
type Attacker struct {
	CharacterID   int64 `json:"character_id,omitempty"`
	CorporationID int64 `json:"corporation_id,omitempty"`
	ShipTypeID    int64 `json:"ship_type_id,omitempty"`
	WeaponTypeID  int64 `json:"weapon_type_id,omitempty"`
	DamageDone    int64 `json:"damage_done"`
	FinalBlow     bool  `json:"final_blow"`
}

// Stargate is the universe record for one gate object.
type Stargate struct {
	StargateID  int64               `json:"stargate_id"`
	SystemID    int64               `json:"system_id"`
	Destination StargateDestination `json:"destination"`
}

// StargateDestination links a gate to its paired gate and system.
type StargateDestination struct {
	StargateID int64 `json:"stargate_id"`
	SystemID   int64 `json:"system_id"`
}

// System is the universe record for a solar system.
type System struct {
	SystemID int64  `json:"system_id"`
	Name     string `json:"name"`
}

// Corporation is the public corporation record.
type Corporation struct {
	Name string `json:"name"`
}

// TypeInfo is the universe record for an item type.
type TypeInfo struct {
	TypeID  int64  `json:"type_id"`
	GroupID int64  `json:"group_id"`
	Name    string `json:"name"`
}

// GroupInfo is the universe record for an item group.
type GroupInfo struct {
	GroupID int64  `json:"group_id"`
	Name    string `json:"name"`
}
