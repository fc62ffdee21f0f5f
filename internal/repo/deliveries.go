package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"adgate/internal/domain"
)

func (r Repo) InsertPushConfig(ctx context.Context, tx *sql.Tx, c domain.PushConfig) error {
	events, err := marshalStringSlice(c.Events)
	if err != nil {
		return err
	}
	active := 0
	if c.Active {
		active = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO webhook_configs(id,tenant_id,url,auth_type,auth_token,secret,events_json,active,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TenantID, c.URL, nullableStringPtr(c.AuthType), nullableStringPtr(c.AuthToken), nullable(c.Secret), events, active, c.CreatedAt)
	return err
}

func (r Repo) GetPushConfig(ctx context.Context, id string) (domain.PushConfig, error) {
	var c domain.PushConfig
	var authType, authToken, secret, events sql.NullString
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,url,auth_type,auth_token,secret,events_json,active,created_at FROM webhook_configs WHERE id=?`, id).
		Scan(&c.ID, &c.TenantID, &c.URL, &authType, &authToken, &secret, &events, &active, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if authType.Valid {
		c.AuthType = &authType.String
	}
	if authToken.Valid {
		c.AuthToken = &authToken.String
	}
	if secret.Valid {
		c.Secret = secret.String
	}
	if events.Valid && events.String != "" {
		if err := json.Unmarshal([]byte(events.String), &c.Events); err != nil {
			return c, err
		}
	}
	c.Active = active == 1
	return c, nil
}

func (r Repo) InsertDelivery(ctx context.Context, d domain.WebhookDelivery) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_deliveries(id,tenant_id,config_id,url,secret,auth_type,auth_token,event_type,payload_json,status,attempts,next_attempt_at,last_attempt_at,response_code,last_error,created_at,delivered_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.TenantID, nullableStringPtr(d.ConfigID), d.URL, nullable(d.Secret), nullableStringPtr(d.AuthType), nullableStringPtr(d.AuthToken),
		d.EventType, d.PayloadJSON, d.Status, d.Attempts, nullableStringPtr(d.NextAttemptAt), nullableStringPtr(d.LastAttemptAt),
		nullableIntPtr(d.ResponseCode), nullableStringPtr(d.LastError), d.CreatedAt, nullableStringPtr(d.DeliveredAt))
	return err
}

func (r Repo) GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,config_id,url,secret,auth_type,auth_token,event_type,payload_json,status,attempts,next_attempt_at,last_attempt_at,response_code,last_error,created_at,delivered_at
FROM webhook_deliveries WHERE id=?`, id)
	return scanDelivery(row.Scan)
}

// DueDeliveries returns pending deliveries whose next attempt is at or before now.
func (r Repo) DueDeliveries(ctx context.Context, now string, limit int) ([]domain.WebhookDelivery, error) {
	query := `SELECT id,tenant_id,config_id,url,secret,auth_type,auth_token,event_type,payload_json,status,attempts,next_attempt_at,last_attempt_at,response_code,last_error,created_at,delivered_at
FROM webhook_deliveries WHERE status=? AND (next_attempt_at IS NULL OR next_attempt_at<=?) ORDER BY created_at ASC`
	args := []any{domain.DeliveryPending, now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ClaimDelivery marks a pending delivery as claimed by a worker. Returns false
// when another worker sharing the database got there first.
func (r Repo) ClaimDelivery(ctx context.Context, id, now, staleBefore string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE webhook_deliveries SET claimed_at=? WHERE id=? AND status=? AND (claimed_at IS NULL OR claimed_at<?)`,
		now, id, domain.DeliveryPending, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) UpdateDelivery(ctx context.Context, d domain.WebhookDelivery) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE webhook_deliveries SET status=?, attempts=?, next_attempt_at=?, last_attempt_at=?, response_code=?, last_error=?, delivered_at=?, claimed_at=NULL WHERE id=?`,
		d.Status, d.Attempts, nullableStringPtr(d.NextAttemptAt), nullableStringPtr(d.LastAttemptAt),
		nullableIntPtr(d.ResponseCode), nullableStringPtr(d.LastError), nullableStringPtr(d.DeliveredAt), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type DeliveryFilters struct {
	TenantID string
	Status   string
	Limit    int
}

func (r Repo) ListDeliveries(ctx context.Context, f DeliveryFilters) ([]domain.WebhookDelivery, error) {
	query := `SELECT id,tenant_id,config_id,url,secret,auth_type,auth_token,event_type,payload_json,status,attempts,next_attempt_at,last_attempt_at,response_code,last_error,created_at,delivered_at
FROM webhook_deliveries WHERE 1=1`
	var args []any
	if f.TenantID != "" {
		query += " AND tenant_id=?"
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func scanDelivery(scan func(...any) error) (domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	var configID, secret, authType, authToken, nextAttemptAt, lastAttemptAt, lastError, deliveredAt sql.NullString
	var responseCode sql.NullInt64
	err := scan(&d.ID, &d.TenantID, &configID, &d.URL, &secret, &authType, &authToken, &d.EventType, &d.PayloadJSON,
		&d.Status, &d.Attempts, &nextAttemptAt, &lastAttemptAt, &responseCode, &lastError, &d.CreatedAt, &deliveredAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if configID.Valid {
		d.ConfigID = &configID.String
	}
	if secret.Valid {
		d.Secret = secret.String
	}
	if authType.Valid {
		d.AuthType = &authType.String
	}
	if authToken.Valid {
		d.AuthToken = &authToken.String
	}
	if nextAttemptAt.Valid {
		d.NextAttemptAt = &nextAttemptAt.String
	}
	if lastAttemptAt.Valid {
		d.LastAttemptAt = &lastAttemptAt.String
	}
	if responseCode.Valid {
		code := int(responseCode.Int64)
		d.ResponseCode = &code
	}
	if lastError.Valid {
		d.LastError = &lastError.String
	}
	if deliveredAt.Valid {
		d.DeliveredAt = &deliveredAt.String
	}
	return d, nil
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
