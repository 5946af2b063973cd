package server

import "grovekeeper/internal/domain"

// Request payloads

// CreateAssetRequest registers an asset either from structured fields or
// from a raw admin definition line (ID;species;planted;planter;role;desc;water;clean).
type CreateAssetRequest struct {
	Definition        string `json:"definition,omitempty"`
	ID                string `json:"id,omitempty"`
	Species           string `json:"species,omitempty"`
	Description       string `json:"description,omitempty"`
	PlantedAt         string `json:"planted_at,omitempty"`
	Planter           string `json:"planter,omitempty"`
	WaterIntervalDays int    `json:"water_interval_days,omitempty"`
	CleanIntervalDays int    `json:"clean_interval_days,omitempty"`
}

type SelectAssetRequest struct {
	AssetID string `json:"asset_id"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

type RequestActionRequest struct {
	Action string `json:"action" enum:"water,clean"`
	ChatID int64  `json:"chat_id,omitempty"`
}

type SubmitEvidenceRequest struct {
	MediaRef string `json:"media_ref"`
	ChatID   int64  `json:"chat_id,omitempty"`
}

// DecisionRequest carries either a structured decision or the raw callback
// token the chat gateway received from a decision button.
type DecisionRequest struct {
	Token    string `json:"token,omitempty"`
	Decision string `json:"decision,omitempty" enum:"approve,warn,block"`
	AssetID  string `json:"asset_id,omitempty"`
	Action   string `json:"action,omitempty" enum:"water,clean"`
}

// Response payloads

type SelectAssetResponse struct {
	Asset domain.Asset `json:"asset"`
}

type RequestActionResponse struct {
	AssetID string `json:"asset_id"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

type ReviewEntryResponse struct {
	ID          string `json:"id"`
	AssetID     string `json:"asset_id"`
	Action      string `json:"action"`
	Submitter   string `json:"submitter"`
	SubmittedAt string `json:"submitted_at"`
	MediaRef    string `json:"media_ref"`
}

func toReviewEntryResponse(e domain.ReviewEntry) ReviewEntryResponse {
	return ReviewEntryResponse{
		ID:          e.ID,
		AssetID:     e.Key.AssetID,
		Action:      string(e.Key.Action),
		Submitter:   e.Submitter,
		SubmittedAt: e.SubmittedAt,
		MediaRef:    e.MediaRef,
	}
}

type DecisionResponse struct {
	Decision string              `json:"decision"`
	Entry    ReviewEntryResponse `json:"entry"`
	Points   int                 `json:"points,omitempty"`
}

type DeleteAssetResponse struct {
	Deleted        string                `json:"deleted"`
	ClearedReviews []ReviewEntryResponse `json:"cleared_reviews,omitempty"`
}

type ResetScoresResponse struct {
	ResetAt string `json:"reset_at" format:"date-time"`
}

type listBody[T any] struct {
	Items []T `json:"items"`
}
