package domain

import "fmt"

// DateLayout is the layout used for ledger dates (last-performed, submissions).
const DateLayout = "2006-01-02"

// ActionKind is one of the tracked maintenance operations.
type ActionKind string

const (
	ActionWater ActionKind = "water"
	ActionClean ActionKind = "clean"
)

// Actions lists every action kind in ledger order.
var Actions = []ActionKind{ActionWater, ActionClean}

// ParseAction validates an action name from external input.
func ParseAction(s string) (ActionKind, error) {
	switch ActionKind(s) {
	case ActionWater, ActionClean:
		return ActionKind(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// DecisionKind is a moderator verdict on a submitted report.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionWarn    DecisionKind = "warn"
	DecisionBlock   DecisionKind = "block"
)

// ParseDecision validates a decision name from external input.
func ParseDecision(s string) (DecisionKind, error) {
	switch DecisionKind(s) {
	case DecisionApprove, DecisionWarn, DecisionBlock:
		return DecisionKind(s), nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Asset is a tree under recurring maintenance. The ID is human-assigned,
// normalized to uppercase, and immutable once created.
type Asset struct {
	ID                string  `json:"id"`
	Species           string  `json:"species"`
	Description       string  `json:"description,omitempty"`
	PlantedAt         string  `json:"planted_at,omitempty"`
	Planter           string  `json:"planter,omitempty"`
	WaterIntervalDays int     `json:"water_interval_days"`
	CleanIntervalDays int     `json:"clean_interval_days"`
	LastWater         *string `json:"last_water,omitempty"`
	LastClean         *string `json:"last_clean,omitempty"`
	WaterCount        int     `json:"water_count"`
	CleanCount        int     `json:"clean_count"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

// IntervalDays returns the cooldown interval for an action.
func (a Asset) IntervalDays(k ActionKind) int {
	if k == ActionClean {
		return a.CleanIntervalDays
	}
	return a.WaterIntervalDays
}

// LastPerformed returns the last-performed date for an action, nil when the
// action was never approved on this asset.
func (a Asset) LastPerformed(k ActionKind) *string {
	if k == ActionClean {
		return a.LastClean
	}
	return a.LastWater
}

// Count returns the lifetime approval counter for an action.
func (a Asset) Count(k ActionKind) int {
	if k == ActionClean {
		return a.CleanCount
	}
	return a.WaterCount
}

// Participant is a community member interacting with the engine. Records are
// created lazily on first contact and never deleted; suspension is a flag.
type Participant struct {
	Handle        string  `json:"handle"`
	ChatID        int64   `json:"chat_id"`
	Score         int     `json:"score"`
	Suspended     bool    `json:"suspended"`
	Warnings      int     `json:"warnings"`
	WaterDone     int     `json:"water_done"`
	CleanDone     int     `json:"clean_done"`
	SelectedAsset *string `json:"selected_asset,omitempty"`
	PendingAsset  *string `json:"pending_asset,omitempty"`
	PendingAction *string `json:"pending_action,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Done returns the lifetime per-action counter for the participant.
func (p Participant) Done(k ActionKind) int {
	if k == ActionClean {
		return p.CleanDone
	}
	return p.WaterDone
}

// ParticipantRef identifies an inbound participant. Handle falls back to the
// numeric chat identity rendered as a string when the chat account has none.
type ParticipantRef struct {
	Handle string `json:"handle"`
	ChatID int64  `json:"chat_id"`
}

// ReviewKey addresses the single-flight slot for one asset/action pair.
type ReviewKey struct {
	AssetID string     `json:"asset_id"`
	Action  ActionKind `json:"action" enum:"water,clean"`
}

func (k ReviewKey) String() string {
	return k.AssetID + "/" + string(k.Action)
}

// ReviewEntry is an outstanding report awaiting moderator decision. Its
// existence in the gate is itself the concurrency lock for the key.
type ReviewEntry struct {
	ID          string    `json:"id"`
	Key         ReviewKey `json:"key"`
	Submitter   string    `json:"submitter"`
	ChatID      int64     `json:"chat_id"`
	SubmittedAt string    `json:"submitted_at"`
	MediaRef    string    `json:"media_ref"`
}

// DecisionToken is a structured moderator decision at the transport boundary.
// The engine never parses raw callback strings.
type DecisionToken struct {
	Kind    DecisionKind `json:"decision" enum:"approve,warn,block"`
	AssetID string       `json:"asset_id"`
	Action  ActionKind   `json:"action" enum:"water,clean"`
}

// Event is an append-only audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}
