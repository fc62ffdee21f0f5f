package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"adgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertContext(ctx context.Context, tx *sql.Tx, c domain.Context) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contexts(id,tenant_id,principal_id,created_at,last_activity_at) VALUES (?,?,?,?,?)`,
		c.ID, c.TenantID, c.PrincipalID, c.CreatedAt, c.LastActivityAt)
	return err
}

func (r Repo) GetContext(ctx context.Context, id string) (domain.Context, error) {
	var c domain.Context
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,principal_id,created_at,last_activity_at FROM contexts WHERE id=?`, id).
		Scan(&c.ID, &c.TenantID, &c.PrincipalID, &c.CreatedAt, &c.LastActivityAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// GetContextScoped looks a context up within one tenant/principal pair so a
// caller can never attach to another caller's conversation.
func (r Repo) GetContextScoped(ctx context.Context, id, tenantID, principalID string) (domain.Context, error) {
	var c domain.Context
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,principal_id,created_at,last_activity_at FROM contexts WHERE id=? AND tenant_id=? AND principal_id=?`,
		id, tenantID, principalID).
		Scan(&c.ID, &c.TenantID, &c.PrincipalID, &c.CreatedAt, &c.LastActivityAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// AppendContextMessage inserts the next history entry for a context inside tx.
// The sequence number is computed in the INSERT itself, so commit order decides
// history order and concurrent appends cannot collide or drop entries.
func (r Repo) AppendContextMessage(ctx context.Context, tx *sql.Tx, contextID, role, content, now string) (int64, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO context_messages(context_id,seq,role,content,created_at)
SELECT ?, COALESCE(MAX(seq),0)+1, ?, ?, ? FROM context_messages WHERE context_id=?`,
		contextID, role, content, now, contextID)
	if err != nil {
		return 0, err
	}
	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM context_messages WHERE context_id=?`, contextID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE contexts SET last_activity_at=? WHERE id=?`, now, contextID); err != nil {
		return 0, err
	}
	return seq, nil
}

func (r Repo) ListContextMessages(ctx context.Context, contextID string) ([]domain.ContextMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT context_id,seq,role,content,created_at FROM context_messages WHERE context_id=? ORDER BY seq ASC`, contextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContextMessage
	for rows.Next() {
		var m domain.ContextMessage
		if err := rows.Scan(&m.ContextID, &m.Seq, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	artifacts, err := marshalArtifacts(t.Artifacts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,context_id,status,artifacts_json,error,push_config_id,created_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.ContextID, t.Status, artifacts, nullableStringPtr(t.Error), nullableStringPtr(t.PushConfigID), t.CreatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	artifacts, err := marshalArtifacts(t.Artifacts)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, artifacts_json=?, error=?, completed_at=? WHERE id=?`,
		t.Status, artifacts, nullableStringPtr(t.Error), nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,context_id,status,artifacts_json,error,push_config_id,created_at,completed_at FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// GetTaskForTenant enforces tenant isolation through the owning context.
func (r Repo) GetTaskForTenant(ctx context.Context, id, tenantID string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT t.id,t.context_id,t.status,t.artifacts_json,t.error,t.push_config_id,t.created_at,t.completed_at
FROM tasks t JOIN contexts c ON c.id=t.context_id WHERE t.id=? AND c.tenant_id=?`, id, tenantID)
	return scanTask(row.Scan)
}

func (r Repo) ListTasksByContext(ctx context.Context, contextID string, limit int) ([]domain.Task, error) {
	query := `SELECT id,context_id,status,artifacts_json,error,push_config_id,created_at,completed_at FROM tasks WHERE context_id=? ORDER BY created_at DESC, id DESC`
	args := []any{contextID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var artifacts, errMsg, pushConfigID, completedAt sql.NullString
	err := scan(&t.ID, &t.ContextID, &t.Status, &artifacts, &errMsg, &pushConfigID, &t.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &t.Artifacts); err != nil {
			return t, err
		}
	}
	if errMsg.Valid {
		t.Error = &errMsg.String
	}
	if pushConfigID.Valid {
		t.PushConfigID = &pushConfigID.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func marshalArtifacts(in []domain.Artifact) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
