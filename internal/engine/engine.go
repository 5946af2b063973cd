// Package engine implements the action workflow: request -> evidence ->
// moderator decision -> ledger update, with cooldown enforcement and
// single-flight review control.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grovekeeper/internal/config"
	"grovekeeper/internal/domain"
	"grovekeeper/internal/engine/gate"
	"grovekeeper/internal/events"
	"grovekeeper/internal/repo"
	"grovekeeper/internal/report"
)

// Engine owns the single-flight gate and is the only writer of the asset and
// participant ledgers. Inbound events may arrive concurrently; mutating
// transitions serialize behind a single writer lock so that gate operations
// and the corresponding ledger writes are observed in a total order.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Gate   *gate.Gate
	Notify Notifier
	Now    func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, notify Notifier) *Engine {
	if notify == nil {
		notify = NopNotifier{}
	}
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Gate:   gate.New(),
		Notify: notify,
		Now:    time.Now,
	}
	e.Events = events.Writer{DB: db, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) today() string {
	return e.now().UTC().Format(domain.DateLayout)
}

// NormalizeAssetID uppercases a human-assigned asset code.
func NormalizeAssetID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// SelectAsset records the participant's current asset. Selection is inert:
// it is allowed regardless of suspension and clears any stale outstanding
// request so a later submission cannot target a forgotten action.
func (e *Engine) SelectAsset(ctx context.Context, ref domain.ParticipantRef, assetID string) (domain.Asset, error) {
	if e.Config == nil {
		return domain.Asset{}, errors.New("config not loaded")
	}
	id := NormalizeAssetID(assetID)
	asset, err := e.Repo.GetAsset(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Asset{}, ErrUnknownAsset
		}
		return domain.Asset{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Asset{}, err
	}
	defer tx.Rollback()
	now := e.timestamp()
	p, err := e.Repo.EnsureParticipantTx(ctx, tx, ref, now)
	if err != nil {
		return domain.Asset{}, err
	}
	p.SelectedAsset = &id
	p.PendingAsset = nil
	p.PendingAction = nil
	p.UpdatedAt = now
	if err := e.Repo.UpdateParticipantTx(ctx, tx, p); err != nil {
		return domain.Asset{}, err
	}
	if err := e.Events.Append(ctx, tx, "asset.selected", "participant", p.Handle, p.Handle, events.EventPayload{"asset_id": id}); err != nil {
		return domain.Asset{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Asset{}, err
	}
	return asset, nil
}

// RequestAction opens an outstanding request for (selected asset, action).
// Guards, in order: suspension, asset selection, no submission by this
// participant already under review, the single-flight gate, the cooldown.
// All failures are fail-closed: nothing is mutated.
func (e *Engine) RequestAction(ctx context.Context, ref domain.ParticipantRef, action domain.ActionKind) (domain.ReviewKey, error) {
	if e.Config == nil {
		return domain.ReviewKey{}, errors.New("config not loaded")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewKey{}, err
	}
	defer tx.Rollback()
	now := e.timestamp()
	p, err := e.Repo.EnsureParticipantTx(ctx, tx, ref, now)
	if err != nil {
		return domain.ReviewKey{}, err
	}
	if p.Suspended {
		return domain.ReviewKey{}, ErrSuspended
	}
	if p.SelectedAsset == nil {
		return domain.ReviewKey{}, ErrNoAssetSelected
	}
	asset, err := e.Repo.GetAssetTx(ctx, tx, *p.SelectedAsset)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ReviewKey{}, ErrUnknownAsset
		}
		return domain.ReviewKey{}, err
	}
	if _, busy := e.Gate.ForSubmitter(p.Handle); busy {
		return domain.ReviewKey{}, ErrReviewInProgress
	}
	key := domain.ReviewKey{AssetID: asset.ID, Action: action}
	if _, busy := e.Gate.Peek(key); busy {
		return domain.ReviewKey{}, ErrReviewInProgress
	}
	status, err := ActionAllowed(asset, action, e.now())
	if err != nil {
		return domain.ReviewKey{}, err
	}
	if !status.Allowed {
		return domain.ReviewKey{}, CooldownError{
			Action:        action,
			LastPerformed: status.LastPerformed,
			NextEligible:  status.NextEligible,
		}
	}
	actionStr := string(action)
	p.PendingAsset = &asset.ID
	p.PendingAction = &actionStr
	p.UpdatedAt = now
	if err := e.Repo.UpdateParticipantTx(ctx, tx, p); err != nil {
		return domain.ReviewKey{}, err
	}
	if err := e.Events.Append(ctx, tx, "report.requested", "asset", asset.ID, p.Handle, events.EventPayload{"action": action}); err != nil {
		return domain.ReviewKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewKey{}, err
	}
	return key, nil
}

// SubmitEvidence admits the participant's outstanding request into the review
// gate and forwards it to the moderator. Losing an admit race clears the
// outstanding request; the participant must re-request once the slot frees.
func (e *Engine) SubmitEvidence(ctx context.Context, ref domain.ParticipantRef, mediaRef string) (domain.ReviewEntry, error) {
	if e.Config == nil {
		return domain.ReviewEntry{}, errors.New("config not loaded")
	}
	e.mu.Lock()
	entry, err := e.submitEvidenceLocked(ctx, ref, mediaRef)
	e.mu.Unlock()
	if err != nil {
		return domain.ReviewEntry{}, err
	}
	caption := fmt.Sprintf("@%s reports %s on %s (%s)", entry.Submitter, entry.Key.Action, entry.Key.AssetID, entry.SubmittedAt)
	options := []domain.DecisionKind{domain.DecisionApprove, domain.DecisionWarn, domain.DecisionBlock}
	if err := e.Notify.SendToModerator(ctx, entry, caption, options); err != nil {
		log.Printf("engine: moderator notification failed: %v", err)
	}
	return entry, nil
}

func (e *Engine) submitEvidenceLocked(ctx context.Context, ref domain.ParticipantRef, mediaRef string) (domain.ReviewEntry, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewEntry{}, err
	}
	defer tx.Rollback()
	now := e.timestamp()
	p, err := e.Repo.EnsureParticipantTx(ctx, tx, ref, now)
	if err != nil {
		return domain.ReviewEntry{}, err
	}
	if p.PendingAsset == nil || p.PendingAction == nil {
		return domain.ReviewEntry{}, ErrNoActionPending
	}
	key := domain.ReviewKey{AssetID: *p.PendingAsset, Action: domain.ActionKind(*p.PendingAction)}
	p.PendingAsset = nil
	p.PendingAction = nil
	p.UpdatedAt = now
	if err := e.Repo.UpdateParticipantTx(ctx, tx, p); err != nil {
		return domain.ReviewEntry{}, err
	}
	if _, err := e.Repo.GetAssetTx(ctx, tx, key.AssetID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// asset deleted between request and evidence; drop the stale request
			if err := tx.Commit(); err != nil {
				return domain.ReviewEntry{}, err
			}
			return domain.ReviewEntry{}, ErrUnknownAsset
		}
		return domain.ReviewEntry{}, err
	}
	entry := domain.ReviewEntry{
		ID:          uuid.New().String(),
		Key:         key,
		Submitter:   p.Handle,
		ChatID:      p.ChatID,
		SubmittedAt: e.today(),
		MediaRef:    mediaRef,
	}
	if err := e.Gate.TryAdmit(entry); err != nil {
		// another report won the slot between request and evidence; the
		// cleared outstanding request still commits so the participant
		// re-requests instead of resubmitting
		if errors.Is(err, gate.ErrAlreadyPending) {
			if err := tx.Commit(); err != nil {
				return domain.ReviewEntry{}, err
			}
			return domain.ReviewEntry{}, ErrReviewInProgress
		}
		return domain.ReviewEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, "report.submitted", "asset", key.AssetID, p.Handle, events.EventPayload{
		"action":    key.Action,
		"report_id": entry.ID,
		"media_ref": mediaRef,
	}); err != nil {
		e.Gate.Resolve(key)
		return domain.ReviewEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		e.Gate.Resolve(key)
		return domain.ReviewEntry{}, err
	}
	return entry, nil
}

// DecisionResult reports a consumed review entry and the applied verdict.
type DecisionResult struct {
	Kind   domain.DecisionKind `json:"decision"`
	Entry  domain.ReviewEntry  `json:"entry"`
	Points int                 `json:"points,omitempty"`
}

// Decide applies a moderator verdict to the outstanding report for the
// token's key. Duplicate or stale decisions fail with ErrReportNotFound and
// mutate nothing, which makes decisions idempotent and retry-safe.
func (e *Engine) Decide(ctx context.Context, token domain.DecisionToken, actor string) (DecisionResult, error) {
	if e.Config == nil {
		return DecisionResult{}, errors.New("config not loaded")
	}
	e.mu.Lock()
	res, notice, err := e.decideLocked(ctx, token, actor)
	e.mu.Unlock()
	if err != nil {
		return DecisionResult{}, err
	}
	if err := e.Notify.SendToParticipant(ctx, res.Entry.ChatID, res.Entry.Submitter, notice); err != nil {
		log.Printf("engine: participant notification failed: %v", err)
	}
	return res, nil
}

func (e *Engine) decideLocked(ctx context.Context, token domain.DecisionToken, actor string) (DecisionResult, string, error) {
	key := domain.ReviewKey{AssetID: NormalizeAssetID(token.AssetID), Action: token.Action}
	entry, ok := e.Gate.Peek(key)
	if !ok {
		return DecisionResult{}, "", ErrReportNotFound
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecisionResult{}, "", err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetParticipantTx(ctx, tx, entry.Submitter)
	if err != nil {
		return DecisionResult{}, "", fmt.Errorf("load submitter %s: %w", entry.Submitter, err)
	}
	now := e.timestamp()
	res := DecisionResult{Kind: token.Kind, Entry: entry}
	var notice string
	switch token.Kind {
	case domain.DecisionApprove:
		asset, err := e.Repo.GetAssetTx(ctx, tx, key.AssetID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// asset vanished while under review; discard the orphan
				e.Gate.Resolve(key)
				return DecisionResult{}, "", ErrReportNotFound
			}
			return DecisionResult{}, "", err
		}
		applyApproval(&asset, key.Action, entry.SubmittedAt)
		if err := e.Repo.UpdateAssetTx(ctx, tx, asset); err != nil {
			return DecisionResult{}, "", err
		}
		if key.Action == domain.ActionClean {
			p.CleanDone++
		} else {
			p.WaterDone++
		}
		res.Points = e.Config.Scoring.ApprovalPoints
		p.Score += res.Points
		notice = fmt.Sprintf("Your %s report for %s was approved. +%d points.", key.Action, key.AssetID, res.Points)
		if err := e.Events.Append(ctx, tx, "report.approved", "asset", key.AssetID, actor, events.EventPayload{
			"action": key.Action, "submitter": p.Handle, "points": res.Points, "report_id": entry.ID,
		}); err != nil {
			return DecisionResult{}, "", err
		}
	case domain.DecisionWarn:
		p.Warnings++
		notice = fmt.Sprintf("Your %s report for %s was rejected. A warning was issued; repeated violations lead to suspension.", key.Action, key.AssetID)
		if err := e.Events.Append(ctx, tx, "report.warned", "participant", p.Handle, actor, events.EventPayload{
			"asset_id": key.AssetID, "action": key.Action, "warnings": p.Warnings, "report_id": entry.ID,
		}); err != nil {
			return DecisionResult{}, "", err
		}
	case domain.DecisionBlock:
		p.Suspended = true
		notice = fmt.Sprintf("Your %s report for %s was rejected and your account is suspended.", key.Action, key.AssetID)
		if err := e.Events.Append(ctx, tx, "report.blocked", "participant", p.Handle, actor, events.EventPayload{
			"asset_id": key.AssetID, "action": key.Action, "report_id": entry.ID,
		}); err != nil {
			return DecisionResult{}, "", err
		}
	default:
		return DecisionResult{}, "", fmt.Errorf("unknown decision %q", token.Kind)
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdateParticipantTx(ctx, tx, p); err != nil {
		return DecisionResult{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return DecisionResult{}, "", err
	}
	e.Gate.Resolve(key)
	return res, notice, nil
}

// applyApproval moves the last-performed date forward and bumps the counter.
// Dates are YYYY-MM-DD, so string order is date order; the last-performed
// date never moves backwards.
func applyApproval(a *domain.Asset, k domain.ActionKind, submittedAt string) {
	if k == domain.ActionClean {
		if a.LastClean == nil || *a.LastClean <= submittedAt {
			a.LastClean = &submittedAt
		}
		a.CleanCount++
		return
	}
	if a.LastWater == nil || *a.LastWater <= submittedAt {
		a.LastWater = &submittedAt
	}
	a.WaterCount++
}

// CreateAsset registers a new maintenance asset. Intervals default from
// config when unset; the id is normalized to uppercase and must be unique.
func (e *Engine) CreateAsset(ctx context.Context, a domain.Asset, actor string) (domain.Asset, error) {
	if e.Config == nil {
		return domain.Asset{}, errors.New("config not loaded")
	}
	a.ID = NormalizeAssetID(a.ID)
	if a.ID == "" {
		return domain.Asset{}, errors.New("asset id is required")
	}
	if a.Species == "" {
		return domain.Asset{}, errors.New("species is required")
	}
	if a.WaterIntervalDays <= 0 {
		a.WaterIntervalDays = e.Config.Defaults.WaterIntervalDays
	}
	if a.CleanIntervalDays <= 0 {
		a.CleanIntervalDays = e.Config.Defaults.CleanIntervalDays
	}
	a.LastWater = nil
	a.LastClean = nil
	a.WaterCount = 0
	a.CleanCount = 0
	a.CreatedAt = e.timestamp()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.Repo.GetAsset(ctx, a.ID); err == nil {
		return domain.Asset{}, ErrAssetExists
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Asset{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Asset{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssetTx(ctx, tx, a); err != nil {
		return domain.Asset{}, err
	}
	if err := e.Events.Append(ctx, tx, "asset.created", "asset", a.ID, actor, events.EventPayload{"species": a.Species}); err != nil {
		return domain.Asset{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Asset{}, err
	}
	return a, nil
}

// DeleteAsset removes the asset and proactively discards any outstanding
// reports keyed to it, so no single-flight slot stays stuck. Submitters of
// discarded reports are notified best-effort.
func (e *Engine) DeleteAsset(ctx context.Context, assetID, actor string) ([]domain.ReviewEntry, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	id := NormalizeAssetID(assetID)
	e.mu.Lock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	commit := func() error {
		defer tx.Rollback()
		if err := e.Repo.DeleteAssetTx(ctx, tx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUnknownAsset
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, "asset.deleted", "asset", id, actor, nil); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err := commit(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	cleared := e.Gate.ClearAsset(id)
	e.mu.Unlock()

	for _, entry := range cleared {
		msg := fmt.Sprintf("Asset %s was removed; your pending %s report was discarded.", id, entry.Key.Action)
		if err := e.Notify.SendToParticipant(ctx, entry.ChatID, entry.Submitter, msg); err != nil {
			log.Printf("engine: participant notification failed: %v", err)
		}
	}
	return cleared, nil
}

// Unsuspend clears a participant's suspended flag. Score and counters are
// untouched.
func (e *Engine) Unsuspend(ctx context.Context, handle, actor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetParticipantTx(ctx, tx, handle)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrUnknownParticipant
		}
		return err
	}
	p.Suspended = false
	p.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateParticipantTx(ctx, tx, p); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "participant.unsuspended", "participant", p.Handle, actor, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetScores zeroes all scores and per-action counters and records the
// reset time, which the maintenance report surfaces.
func (e *Engine) ResetScores(ctx context.Context, actor string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	now := e.timestamp()
	if err := e.Repo.ResetScoresTx(ctx, tx, now); err != nil {
		return "", err
	}
	if err := e.Repo.SetMetaTx(ctx, tx, repo.MetaLastScoreReset, now); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "scores.reset", "participant", "", actor, nil); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return now, nil
}

// Profile returns a participant's ledger record.
func (e *Engine) Profile(ctx context.Context, handle string) (domain.Participant, error) {
	p, err := e.Repo.GetParticipant(ctx, handle)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Participant{}, ErrUnknownParticipant
	}
	return p, err
}

// Leaderboard returns all participants ordered by score.
func (e *Engine) Leaderboard(ctx context.Context) ([]domain.Participant, error) {
	return e.Repo.ListParticipants(ctx)
}

// PendingReports returns the gate snapshot for the moderator.
func (e *Engine) PendingReports() []domain.ReviewEntry {
	return e.Gate.Snapshot()
}

// ExportReport renders the maintenance report document from both ledgers.
func (e *Engine) ExportReport(ctx context.Context) ([]byte, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	assets, err := e.Repo.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	participants, err := e.Repo.ListParticipants(ctx)
	if err != nil {
		return nil, err
	}
	lastReset, err := e.Repo.GetMeta(ctx, repo.MetaLastScoreReset)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	return report.Render(report.Data{
		Title:          e.Config.Report.Title,
		GeneratedAt:    e.now().UTC(),
		LastScoreReset: lastReset,
		Assets:         assets,
		Participants:   participants,
	})
}
