package repo

import (
	"context"
	"database/sql"
	"errors"

	"famtasks/internal/domain"
)

const ruleColumns = `id,COALESCE(name,''),trigger_condition,trigger_task_id,trigger_status,action,target_type,action_target_task_id,action_target_user_id,is_active,created_at`

func scanRule(row rowScanner) (domain.WorkflowRule, error) {
	var rule domain.WorkflowRule
	var trigger, action, target string
	var triggerTask, triggerStatus, targetTask, targetUser sql.NullString
	var active int
	err := row.Scan(&rule.ID, &rule.Name, &trigger, &triggerTask, &triggerStatus, &action, &target, &targetTask, &targetUser, &active, &rule.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	rule.TriggerCondition = domain.TriggerCondition(trigger)
	rule.Action = domain.Action(action)
	rule.TargetType = domain.TargetType(target)
	rule.TriggerTaskID = optionalString(triggerTask)
	if triggerStatus.Valid {
		st := domain.Status(triggerStatus.String)
		rule.TriggerStatus = &st
	}
	rule.ActionTargetTaskID = optionalString(targetTask)
	rule.ActionTargetUserID = optionalString(targetUser)
	rule.IsActive = active != 0
	return rule, nil
}

func statusPtr(s *domain.Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func (r Repo) InsertRule(ctx context.Context, rule domain.WorkflowRule) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workflow_rules(id,name,trigger_condition,trigger_task_id,trigger_status,action,target_type,action_target_task_id,action_target_user_id,is_active,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, nullable(rule.Name), string(rule.TriggerCondition), nullableStringPtr(rule.TriggerTaskID), statusPtr(rule.TriggerStatus),
		string(rule.Action), string(rule.TargetType), nullableStringPtr(rule.ActionTargetTaskID), nullableStringPtr(rule.ActionTargetUserID),
		boolInt(rule.IsActive), rule.CreatedAt)
	return err
}

func (r Repo) UpdateRule(ctx context.Context, rule domain.WorkflowRule) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_rules SET name=?, trigger_condition=?, trigger_task_id=?, trigger_status=?, action=?, target_type=?, action_target_task_id=?, action_target_user_id=?, is_active=? WHERE id=?`,
		nullable(rule.Name), string(rule.TriggerCondition), nullableStringPtr(rule.TriggerTaskID), statusPtr(rule.TriggerStatus),
		string(rule.Action), string(rule.TargetType), nullableStringPtr(rule.ActionTargetTaskID), nullableStringPtr(rule.ActionTargetUserID),
		boolInt(rule.IsActive), rule.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRuleActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_rules SET is_active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.WorkflowRule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM workflow_rules WHERE id=?`, id))
}

// ListRules returns every rule, or only active ones when activeOnly is set.
func (r Repo) ListRules(ctx context.Context, activeOnly bool) ([]domain.WorkflowRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM workflow_rules`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}
