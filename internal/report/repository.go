package report

import (
	"context"
	"database/sql"
	"time"
)

// Repository persists task records so an interrupted run can resume without
// regenerating assets that already succeeded.
type Repository interface {
	UpsertTask(ctx context.Context, rec *TaskRecord) error
	GetTask(ctx context.Context, taskID string) (*TaskRecord, error)
	ListTasks(ctx context.Context) ([]*TaskRecord, error)
	UpsertCompileError(ctx context.Context, rec *CompileErrorRecord) error
	ListCompileErrors(ctx context.Context) ([]*CompileErrorRecord, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) UpsertTask(ctx context.Context, rec *TaskRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, scene_id, kind, provider, status, asset_url, asset_path, reason, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			status = excluded.status,
			asset_url = excluded.asset_url,
			asset_path = excluded.asset_path,
			reason = excluded.reason,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
	`, rec.TaskID, rec.SceneID, rec.Kind, nullString(rec.Provider), rec.Status,
		nullString(rec.AssetURL), nullString(rec.AssetPath), nullString(rec.Reason),
		rec.Attempts, rec.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, scene_id, kind, provider, status, asset_url, asset_path, reason, attempts, updated_at
		FROM tasks WHERE id = ?
	`, taskID)

	rec, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (r *SQLiteRepository) ListTasks(ctx context.Context) ([]*TaskRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scene_id, kind, provider, status, asset_url, asset_path, reason, attempts, updated_at
		FROM tasks ORDER BY scene_id, kind
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanTask(scan func(...any) error) (*TaskRecord, error) {
	var rec TaskRecord
	var provider, assetURL, assetPath, reason sql.NullString
	var updatedAt string

	err := scan(&rec.TaskID, &rec.SceneID, &rec.Kind, &provider, &rec.Status,
		&assetURL, &assetPath, &reason, &rec.Attempts, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.Provider = provider.String
	rec.AssetURL = assetURL.String
	rec.AssetPath = assetPath.String
	rec.Reason = reason.String
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

func (r *SQLiteRepository) UpsertCompileError(ctx context.Context, rec *CompileErrorRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO compile_errors (scene_id, reason, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(scene_id) DO UPDATE SET
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`, rec.SceneID, rec.Reason)
	return err
}

func (r *SQLiteRepository) ListCompileErrors(ctx context.Context) ([]*CompileErrorRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT scene_id, reason FROM compile_errors ORDER BY scene_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CompileErrorRecord
	for rows.Next() {
		var rec CompileErrorRecord
		if err := rows.Scan(&rec.SceneID, &rec.Reason); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
