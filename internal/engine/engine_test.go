package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"grovekeeper/internal/config"
	"grovekeeper/internal/db"
	"grovekeeper/internal/domain"
	"grovekeeper/internal/engine"
	"grovekeeper/internal/migrate"
)

type participantMsg struct {
	Handle string
	Text   string
}

// recordingNotifier captures outbound deliveries; FailAll simulates a
// participant who blocked the bot.
type recordingNotifier struct {
	mu          sync.Mutex
	Participant []participantMsg
	Moderator   []domain.ReviewEntry
	FailAll     bool
}

func (n *recordingNotifier) SendToParticipant(_ context.Context, _ int64, handle, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FailAll {
		return errors.New("delivery refused")
	}
	n.Participant = append(n.Participant, participantMsg{Handle: handle, Text: text})
	return nil
}

func (n *recordingNotifier) SendToModerator(_ context.Context, entry domain.ReviewEntry, _ string, _ []domain.DecisionKind) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FailAll {
		return errors.New("delivery refused")
	}
	n.Moderator = append(n.Moderator, entry)
	return nil
}

func (n *recordingNotifier) SendDocument(_ context.Context, _ int64, _, _ string, _ []byte) error {
	return nil
}

type testEnv struct {
	Engine   *engine.Engine
	Notifier *recordingNotifier
	Ctx      context.Context
	now      time.Time
}

func (env *testEnv) advanceDays(d int) {
	env.now = env.now.AddDate(0, 0, d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	notifier := &recordingNotifier{}
	env := &testEnv{
		Notifier: notifier,
		Ctx:      context.Background(),
		now:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default("moderator"), notifier)
	eng.Now = func() time.Time { return env.now }
	env.Engine = eng
	return env
}

func seedAsset(t *testing.T, env *testEnv, id string) domain.Asset {
	t.Helper()
	a, err := env.Engine.CreateAsset(env.Ctx, domain.Asset{
		ID:                id,
		Species:           "Oak",
		PlantedAt:         "2024-03-15",
		Planter:           "Aziza (volunteer)",
		WaterIntervalDays: 3,
		CleanIntervalDays: 7,
	}, "moderator")
	if err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return a
}

var alice = domain.ParticipantRef{Handle: "alice", ChatID: 101}
var bob = domain.ParticipantRef{Handle: "bob", ChatID: 102}

func submitFor(t *testing.T, env *testEnv, ref domain.ParticipantRef, assetID string, action domain.ActionKind) domain.ReviewEntry {
	t.Helper()
	if _, err := env.Engine.SelectAsset(env.Ctx, ref, assetID); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := env.Engine.RequestAction(env.Ctx, ref, action); err != nil {
		t.Fatalf("request: %v", err)
	}
	entry, err := env.Engine.SubmitEvidence(env.Ctx, ref, "photo-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return entry
}

func TestApproveFlow(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")

	entry := submitFor(t, env, alice, "id001", domain.ActionWater)
	if entry.Key.AssetID != "ID001" || entry.SubmittedAt != "2024-05-01" {
		t.Fatalf("entry: %+v", entry)
	}
	if len(env.Notifier.Moderator) != 1 {
		t.Fatalf("moderator not notified")
	}

	res, err := env.Engine.Decide(env.Ctx, domain.DecisionToken{
		Kind: domain.DecisionApprove, AssetID: "ID001", Action: domain.ActionWater,
	}, "moderator")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Points != 10 {
		t.Fatalf("points=%d", res.Points)
	}

	a, err := env.Engine.Repo.GetAsset(env.Ctx, "ID001")
	if err != nil {
		t.Fatal(err)
	}
	if a.LastWater == nil || *a.LastWater != "2024-05-01" || a.WaterCount != 1 {
		t.Fatalf("asset ledger: %+v", a)
	}
	p, err := env.Engine.Profile(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.Score != 10 || p.WaterDone != 1 || p.CleanDone != 0 {
		t.Fatalf("participant ledger: %+v", p)
	}
	if env.Engine.Gate.Len() != 0 {
		t.Fatalf("gate entry not consumed")
	}
	if len(env.Notifier.Participant) != 1 || !strings.Contains(env.Notifier.Participant[0].Text, "approved") {
		t.Fatalf("participant notice: %+v", env.Notifier.Participant)
	}

	// day 1: cooldown active until day 3
	env.advanceDays(1)
	_, err = env.Engine.RequestAction(env.Ctx, alice, domain.ActionWater)
	var cd engine.CooldownError
	if !errors.As(err, &cd) {
		t.Fatalf("expected CooldownError, got %v", err)
	}
	if got := cd.NextEligible.Format(domain.DateLayout); got != "2024-05-04" {
		t.Fatalf("next eligible %s", got)
	}

	// exactly interval days later: allowed again
	env.advanceDays(2)
	if _, err := env.Engine.RequestAction(env.Ctx, alice, domain.ActionWater); err != nil {
		t.Fatalf("day 3 request: %v", err)
	}
}

func TestDecisionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")
	submitFor(t, env, alice, "ID001", domain.ActionWater)

	token := domain.DecisionToken{Kind: domain.DecisionApprove, AssetID: "ID001", Action: domain.ActionWater}
	if _, err := env.Engine.Decide(env.Ctx, token, "moderator"); err != nil {
		t.Fatalf("first decide: %v", err)
	}
	if _, err := env.Engine.Decide(env.Ctx, token, "moderator"); !errors.Is(err, engine.ErrReportNotFound) {
		t.Fatalf("duplicate decide: %v", err)
	}
	a, _ := env.Engine.Repo.GetAsset(env.Ctx, "ID001")
	p, _ := env.Engine.Profile(env.Ctx, "alice")
	if a.WaterCount != 1 || p.Score != 10 || p.WaterDone != 1 {
		t.Fatalf("double increment: asset=%+v participant=%+v", a, p)
	}
}

func TestSubmitRaceLoserMustReRequest(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")
	// both pass the request-time peek before either submits
	for _, ref := range []domain.ParticipantRef{alice, bob} {
		if _, err := env.Engine.SelectAsset(env.Ctx, ref, "ID001"); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.RequestAction(env.Ctx, ref, domain.ActionWater); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.SubmitEvidence(env.Ctx, alice, "photo-a"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := env.Engine.SubmitEvidence(env.Ctx, bob, "photo-b"); !errors.Is(err, engine.ErrReviewInProgress) {
		t.Fatalf("second submit: %v", err)
	}
	// the winner's entry is untouched
	got, ok := env.Engine.Gate.Peek(domain.ReviewKey{AssetID: "ID001", Action: domain.ActionWater})
	if !ok || got.Submitter != "alice" {
		t.Fatalf("gate entry: %+v ok=%v", got, ok)
	}
	// the loser's outstanding request is cleared: resubmission is NoActionPending
	if _, err := env.Engine.SubmitEvidence(env.Ctx, bob, "photo-b"); !errors.Is(err, engine.ErrNoActionPending) {
		t.Fatalf("resubmit after loss: %v", err)
	}
	// and a fresh request is refused while the review is outstanding
	if _, err := env.Engine.RequestAction(env.Ctx, bob, domain.ActionWater); !errors.Is(err, engine.ErrReviewInProgress) {
		t.Fatalf("re-request during review: %v", err)
	}
}

func TestRequestGuards(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")

	if _, err := env.Engine.SelectAsset(env.Ctx, alice, "ID999"); !errors.Is(err, engine.ErrUnknownAsset) {
		t.Fatalf("unknown asset: %v", err)
	}
	if _, err := env.Engine.RequestAction(env.Ctx, alice, domain.ActionWater); !errors.Is(err, engine.ErrNoAssetSelected) {
		t.Fatalf("no selection: %v", err)
	}
	if _, err := env.Engine.SubmitEvidence(env.Ctx, alice, "photo"); !errors.Is(err, engine.ErrNoActionPending) {
		t.Fatalf("no pending action: %v", err)
	}
}

func TestOwnReviewBlocksNewRequest(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")
	submitFor(t, env, alice, "ID001", domain.ActionWater)
	// same participant, different action: still refused while under review
	if _, err := env.Engine.RequestAction(env.Ctx, alice, domain.ActionClean); !errors.Is(err, engine.ErrReviewInProgress) {
		t.Fatalf("expected ErrReviewInProgress, got %v", err)
	}
}

func TestWarnIncrementsWarnings(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")
	submitFor(t, env, alice, "ID001", domain.ActionClean)
	res, err := env.Engine.Decide(env.Ctx, domain.DecisionToken{
		Kind: domain.DecisionWarn, AssetID: "ID001", Action: domain.ActionClean,
	}, "moderator")
	if err != nil {
		t.Fatal(err)
	}
	if res.Points != 0 {
		t.Fatalf("warn must not award points")
	}
	p, _ := env.Engine.Profile(env.Ctx, "alice")
	if p.Warnings != 1 || p.Score != 0 || p.Suspended {
		t.Fatalf("participant: %+v", p)
	}
	a, _ := env.Engine.Repo.GetAsset(env.Ctx, "ID001")
	if a.CleanCount != 0 || a.LastClean != nil {
		t.Fatalf("warn must not touch the asset ledger: %+v", a)
	}
}

func TestBlockSuspends(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")
	submitFor(t, env, alice, "ID001", domain.ActionWater)
	if _, err := env.Engine.Decide(env.Ctx, domain.DecisionToken{
		Kind: domain.DecisionBlock, AssetID: "ID001", Action: domain.ActionWater,
	}, "moderator"); err != nil {
		t.Fatal(err)
	}
	if env.Engine.Gate.Len() != 0 {
		t.Fatalf("gate entry not consumed")
	}
	p, _ := env.Engine.Profile(env.Ctx, "alice")
	if !p.Suspended {
		t.Fatalf("participant not suspended")
	}
	// suspended participants never reach the gate
	if _, err := env.Engine.RequestAction(env.Ctx, alice, domain.ActionWater); !errors.Is(err, engine.ErrSuspended) {
		t.Fatalf("request while suspended: %v", err)
	}
	// selection stays allowed; it is inert
	if _, err := env.Engine.SelectAsset(env.Ctx, alice, "ID001"); err != nil {
		t.Fatalf("select while suspended: %v", err)
	}

	if err := env.Engine.Unsuspend(env.Ctx, "alice", "moderator"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RequestAction(env.Ctx, alice, domain.ActionWater); err != nil {
		t.Fatalf("request after unsuspend: %v", err)
	}
}

func TestDeleteAssetClearsGate(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")
	submitFor(t, env, alice, "ID001", domain.ActionWater)

	cleared, err := env.Engine.DeleteAsset(env.Ctx, "id001", "moderator")
	if err != nil {
		t.Fatal(err)
	}
	if len(cleared) != 1 || cleared[0].Submitter != "alice" {
		t.Fatalf("cleared: %+v", cleared)
	}
	if env.Engine.Gate.Len() != 0 {
		t.Fatalf("gate slot still occupied")
	}
	// a late decision callback must not mutate the deleted asset
	if _, err := env.Engine.Decide(env.Ctx, domain.DecisionToken{
		Kind: domain.DecisionApprove, AssetID: "ID001", Action: domain.ActionWater,
	}, "moderator"); !errors.Is(err, engine.ErrReportNotFound) {
		t.Fatalf("late decision: %v", err)
	}
	p, _ := env.Engine.Profile(env.Ctx, "alice")
	if p.Score != 0 {
		t.Fatalf("score mutated after deletion: %+v", p)
	}
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")
	submitFor(t, env, alice, "ID001", domain.ActionWater)

	env.Notifier.FailAll = true
	if _, err := env.Engine.Decide(env.Ctx, domain.DecisionToken{
		Kind: domain.DecisionApprove, AssetID: "ID001", Action: domain.ActionWater,
	}, "moderator"); err != nil {
		t.Fatalf("decide must swallow delivery failure: %v", err)
	}
	p, _ := env.Engine.Profile(env.Ctx, "alice")
	if p.Score != 10 {
		t.Fatalf("ledger write lost: %+v", p)
	}
}

func TestCreateAssetDuplicateAndDefaults(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAsset(env.Ctx, domain.Asset{ID: "id010", Species: "Pine"}, "moderator")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "ID010" {
		t.Fatalf("id not normalized: %q", a.ID)
	}
	if a.WaterIntervalDays != 3 || a.CleanIntervalDays != 7 {
		t.Fatalf("config defaults not applied: %+v", a)
	}
	if _, err := env.Engine.CreateAsset(env.Ctx, domain.Asset{ID: "ID010", Species: "Pine"}, "moderator"); !errors.Is(err, engine.ErrAssetExists) {
		t.Fatalf("duplicate id: %v", err)
	}
}

func TestResetScores(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")
	submitFor(t, env, alice, "ID001", domain.ActionWater)
	if _, err := env.Engine.Decide(env.Ctx, domain.DecisionToken{
		Kind: domain.DecisionApprove, AssetID: "ID001", Action: domain.ActionWater,
	}, "moderator"); err != nil {
		t.Fatal(err)
	}

	ts, err := env.Engine.ResetScores(env.Ctx, "moderator")
	if err != nil {
		t.Fatal(err)
	}
	if ts == "" {
		t.Fatalf("reset timestamp missing")
	}
	p, _ := env.Engine.Profile(env.Ctx, "alice")
	if p.Score != 0 || p.WaterDone != 0 || p.CleanDone != 0 {
		t.Fatalf("scores not reset: %+v", p)
	}
	// asset ledger is untouched by a score reset
	a, _ := env.Engine.Repo.GetAsset(env.Ctx, "ID001")
	if a.WaterCount != 1 {
		t.Fatalf("asset counters reset: %+v", a)
	}

	doc, err := env.Engine.ExportReport(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(doc), ts) {
		t.Fatalf("report missing reset timestamp")
	}
}

func TestLeaderboardOrder(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")
	seedAsset(t, env, "ID002")
	submitFor(t, env, alice, "ID001", domain.ActionWater)
	if _, err := env.Engine.Decide(env.Ctx, domain.DecisionToken{
		Kind: domain.DecisionApprove, AssetID: "ID001", Action: domain.ActionWater,
	}, "moderator"); err != nil {
		t.Fatal(err)
	}
	submitFor(t, env, bob, "ID002", domain.ActionWater)

	board, err := env.Engine.Leaderboard(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(board) != 2 || board[0].Handle != "alice" || board[0].Score != 10 {
		t.Fatalf("leaderboard: %+v", board)
	}
}

func TestSelectionClearsStaleRequest(t *testing.T) {
	env := newTestEnv(t)
	seedAsset(t, env, "ID001")
	seedAsset(t, env, "ID002")
	if _, err := env.Engine.SelectAsset(env.Ctx, alice, "ID001"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RequestAction(env.Ctx, alice, domain.ActionWater); err != nil {
		t.Fatal(err)
	}
	// navigating to another asset abandons the requested action
	if _, err := env.Engine.SelectAsset(env.Ctx, alice, "ID002"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitEvidence(env.Ctx, alice, "photo"); !errors.Is(err, engine.ErrNoActionPending) {
		t.Fatalf("stale request survived reselection: %v", err)
	}
}
