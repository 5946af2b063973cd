package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"grovekeeper/internal/config"
	"grovekeeper/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// MetaLastScoreReset is the meta key holding the last score-reset timestamp.
const MetaLastScoreReset = "last_score_reset"

const assetCols = `id,species,COALESCE(description,''),COALESCE(planted_at,''),COALESCE(planter,''),water_interval_days,clean_interval_days,last_water,last_clean,water_count,clean_count,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (domain.Asset, error) {
	var a domain.Asset
	var lastWater, lastClean sql.NullString
	err := row.Scan(&a.ID, &a.Species, &a.Description, &a.PlantedAt, &a.Planter,
		&a.WaterIntervalDays, &a.CleanIntervalDays, &lastWater, &lastClean,
		&a.WaterCount, &a.CleanCount, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if lastWater.Valid {
		a.LastWater = &lastWater.String
	}
	if lastClean.Valid {
		a.LastClean = &lastClean.String
	}
	return a, err
}

func (r Repo) GetAsset(ctx context.Context, id string) (domain.Asset, error) {
	return scanAsset(r.DB.QueryRowContext(ctx, `SELECT `+assetCols+` FROM assets WHERE id=?`, id))
}

func (r Repo) GetAssetTx(ctx context.Context, tx *sql.Tx, id string) (domain.Asset, error) {
	return scanAsset(tx.QueryRowContext(ctx, `SELECT `+assetCols+` FROM assets WHERE id=?`, id))
}

func (r Repo) InsertAssetTx(ctx context.Context, tx *sql.Tx, a domain.Asset) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assets(id,species,description,planted_at,planter,water_interval_days,clean_interval_days,last_water,last_clean,water_count,clean_count,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Species, nullable(a.Description), nullable(a.PlantedAt), nullable(a.Planter),
		a.WaterIntervalDays, a.CleanIntervalDays, nullableptr(a.LastWater), nullableptr(a.LastClean),
		a.WaterCount, a.CleanCount, a.CreatedAt)
	return err
}

// UpdateAssetTx rewrites the mutable columns of an asset. The id never changes.
func (r Repo) UpdateAssetTx(ctx context.Context, tx *sql.Tx, a domain.Asset) error {
	res, err := tx.ExecContext(ctx, `UPDATE assets SET species=?,description=?,planted_at=?,planter=?,water_interval_days=?,clean_interval_days=?,last_water=?,last_clean=?,water_count=?,clean_count=? WHERE id=?`,
		a.Species, nullable(a.Description), nullable(a.PlantedAt), nullable(a.Planter),
		a.WaterIntervalDays, a.CleanIntervalDays, nullableptr(a.LastWater), nullableptr(a.LastClean),
		a.WaterCount, a.CleanCount, a.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAssetTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAssets(ctx context.Context) ([]domain.Asset, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assetCols+` FROM assets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

const participantCols = `handle,chat_id,score,suspended,warnings,water_done,clean_done,selected_asset,pending_asset,pending_action,created_at,updated_at`

func scanParticipant(row rowScanner) (domain.Participant, error) {
	var p domain.Participant
	var selected, pendingAsset, pendingAction sql.NullString
	err := row.Scan(&p.Handle, &p.ChatID, &p.Score, &p.Suspended, &p.Warnings,
		&p.WaterDone, &p.CleanDone, &selected, &pendingAsset, &pendingAction,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if selected.Valid {
		p.SelectedAsset = &selected.String
	}
	if pendingAsset.Valid {
		p.PendingAsset = &pendingAsset.String
	}
	if pendingAction.Valid {
		p.PendingAction = &pendingAction.String
	}
	return p, err
}

func (r Repo) GetParticipant(ctx context.Context, handle string) (domain.Participant, error) {
	return scanParticipant(r.DB.QueryRowContext(ctx, `SELECT `+participantCols+` FROM participants WHERE handle=?`, handle))
}

func (r Repo) GetParticipantTx(ctx context.Context, tx *sql.Tx, handle string) (domain.Participant, error) {
	return scanParticipant(tx.QueryRowContext(ctx, `SELECT `+participantCols+` FROM participants WHERE handle=?`, handle))
}

// EnsureParticipantTx creates the participant on first contact and refreshes
// the numeric chat identity on every contact after that.
func (r Repo) EnsureParticipantTx(ctx context.Context, tx *sql.Tx, ref domain.ParticipantRef, now string) (domain.Participant, error) {
	if ref.Handle == "" {
		return domain.Participant{}, fmt.Errorf("participant handle required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO participants(handle,chat_id,created_at,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(handle) DO UPDATE SET chat_id=excluded.chat_id, updated_at=excluded.updated_at`,
		ref.Handle, ref.ChatID, now, now)
	if err != nil {
		return domain.Participant{}, err
	}
	return r.GetParticipantTx(ctx, tx, ref.Handle)
}

func (r Repo) UpdateParticipantTx(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET chat_id=?,score=?,suspended=?,warnings=?,water_done=?,clean_done=?,selected_asset=?,pending_asset=?,pending_action=?,updated_at=? WHERE handle=?`,
		p.ChatID, p.Score, p.Suspended, p.Warnings, p.WaterDone, p.CleanDone,
		nullableptr(p.SelectedAsset), nullableptr(p.PendingAsset), nullableptr(p.PendingAction),
		p.UpdatedAt, p.Handle)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListParticipants returns every participant ordered by score, best first.
func (r Repo) ListParticipants(ctx context.Context) ([]domain.Participant, error) {
	return r.listParticipants(ctx, `SELECT `+participantCols+` FROM participants ORDER BY score DESC, handle`)
}

func (r Repo) ListSuspended(ctx context.Context) ([]domain.Participant, error) {
	return r.listParticipants(ctx, `SELECT `+participantCols+` FROM participants WHERE suspended=1 ORDER BY handle`)
}

func (r Repo) listParticipants(ctx context.Context, query string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ResetScoresTx zeroes every participant's score and per-action counters.
func (r Repo) ResetScoresTx(ctx context.Context, tx *sql.Tx, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE participants SET score=0, water_done=0, clean_done=0, updated_at=?`, now)
	return err
}

// --- config storage (singleton row) ---

func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM config WHERE id=1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertConfigTx(ctx, tx, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	raw, err := cfg.ToYAML()
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO config(id,yaml) VALUES (1,?) ON CONFLICT(id) DO UPDATE SET yaml=excluded.yaml`, string(raw))
	return err
}

// --- meta scalars ---

func (r Repo) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) SetMetaTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO meta(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// --- event queries ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor,payload_json FROM events`
	var (
		conds []string
		args  []any
	)
	if evtType != "" {
		conds = append(conds, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		conds = append(conds, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		conds = append(conds, "entity_id=?")
		args = append(args, entityID)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableptr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
