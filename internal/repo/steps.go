package repo

import (
	"context"
	"database/sql"

	"adgate/internal/domain"
)

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.WorkflowStep) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_steps(id,context_id,step_type,tool_name,request_json,response_json,status,owner,assigned_to,push_config_id,created_at,completed_at,error_message)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ContextID, s.StepType, nullableStringPtr(s.ToolName), s.RequestJSON, nullableStringPtr(s.ResponseJSON),
		s.Status, string(s.Owner), nullableStringPtr(s.AssignedTo), nullableStringPtr(s.PushConfigID),
		s.CreatedAt, nullableStringPtr(s.CompletedAt), nullableStringPtr(s.ErrorMessage))
	return err
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.WorkflowStep, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,context_id,step_type,tool_name,request_json,response_json,status,owner,assigned_to,push_config_id,created_at,completed_at,error_message
FROM workflow_steps WHERE id=?`, id)
	return scanStep(row.Scan)
}

// ResolveStepCAS moves an unresolved step to a terminal status. It returns
// false when the step was already terminal (or does not exist), so double
// resolution never overwrites a recorded outcome.
func (r Repo) ResolveStepCAS(ctx context.Context, tx *sql.Tx, id, status string, responseJSON, errorMessage *string, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_steps SET status=?, response_json=?, error_message=?, completed_at=?
WHERE id=? AND status IN (?,?)`,
		status, nullableStringPtr(responseJSON), nullableStringPtr(errorMessage), completedAt,
		id, domain.StepPending, domain.StepRequiresApproval)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListStepsByContext(ctx context.Context, contextID string) ([]domain.WorkflowStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,context_id,step_type,tool_name,request_json,response_json,status,owner,assigned_to,push_config_id,created_at,completed_at,error_message
FROM workflow_steps WHERE context_id=? ORDER BY created_at ASC, id ASC`, contextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

func (r Repo) ListStepsByStatus(ctx context.Context, status string, limit int) ([]domain.WorkflowStep, error) {
	query := `SELECT id,context_id,step_type,tool_name,request_json,response_json,status,owner,assigned_to,push_config_id,created_at,completed_at,error_message
FROM workflow_steps WHERE status=? ORDER BY created_at ASC, id ASC`
	args := []any{status}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

func (r Repo) InsertObjectMapping(ctx context.Context, tx *sql.Tx, m domain.ObjectWorkflowMapping) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO object_workflow_mappings(object_type,object_id,step_id,action,created_at) VALUES (?,?,?,?,?)`,
		m.ObjectType, m.ObjectID, m.StepID, m.Action, m.CreatedAt)
	return err
}

// StepsForObject enumerates every step that ever touched a domain object,
// oldest first, with the action each represented.
func (r Repo) StepsForObject(ctx context.Context, objectType, objectID string) ([]domain.ObjectWorkflowMapping, []domain.WorkflowStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT m.object_type,m.object_id,m.step_id,m.action,m.created_at,
s.id,s.context_id,s.step_type,s.tool_name,s.request_json,s.response_json,s.status,s.owner,s.assigned_to,s.push_config_id,s.created_at,s.completed_at,s.error_message
FROM object_workflow_mappings m JOIN workflow_steps s ON s.id=m.step_id
WHERE m.object_type=? AND m.object_id=? ORDER BY m.created_at ASC, m.step_id ASC`, objectType, objectID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var mappings []domain.ObjectWorkflowMapping
	var steps []domain.WorkflowStep
	for rows.Next() {
		var m domain.ObjectWorkflowMapping
		var s domain.WorkflowStep
		var owner string
		var toolName, responseJSON, assignedTo, pushConfigID, completedAt, errorMessage sql.NullString
		if err := rows.Scan(&m.ObjectType, &m.ObjectID, &m.StepID, &m.Action, &m.CreatedAt,
			&s.ID, &s.ContextID, &s.StepType, &toolName, &s.RequestJSON, &responseJSON, &s.Status, &owner,
			&assignedTo, &pushConfigID, &s.CreatedAt, &completedAt, &errorMessage); err != nil {
			return nil, nil, err
		}
		s.Owner = domain.StepOwner(owner)
		applyStepNullables(&s, toolName, responseJSON, assignedTo, pushConfigID, completedAt, errorMessage)
		mappings = append(mappings, m)
		steps = append(steps, s)
	}
	return mappings, steps, rows.Err()
}

func collectSteps(rows *sql.Rows) ([]domain.WorkflowStep, error) {
	var res []domain.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanStep(scan func(...any) error) (domain.WorkflowStep, error) {
	var s domain.WorkflowStep
	var owner string
	var toolName, responseJSON, assignedTo, pushConfigID, completedAt, errorMessage sql.NullString
	err := scan(&s.ID, &s.ContextID, &s.StepType, &toolName, &s.RequestJSON, &responseJSON, &s.Status, &owner,
		&assignedTo, &pushConfigID, &s.CreatedAt, &completedAt, &errorMessage)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Owner = domain.StepOwner(owner)
	applyStepNullables(&s, toolName, responseJSON, assignedTo, pushConfigID, completedAt, errorMessage)
	return s, nil
}

func applyStepNullables(s *domain.WorkflowStep, toolName, responseJSON, assignedTo, pushConfigID, completedAt, errorMessage sql.NullString) {
	if toolName.Valid {
		s.ToolName = &toolName.String
	}
	if responseJSON.Valid {
		s.ResponseJSON = &responseJSON.String
	}
	if assignedTo.Valid {
		s.AssignedTo = &assignedTo.String
	}
	if pushConfigID.Valid {
		s.PushConfigID = &pushConfigID.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	if errorMessage.Valid {
		s.ErrorMessage = &errorMessage.String
	}
}
