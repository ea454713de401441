package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"famtasks/internal/catalog"
	"famtasks/internal/domain"
	"famtasks/internal/rules"
)

// CatalogFile is the YAML document accepted by ImportCatalog.
type CatalogFile struct {
	Templates    []TemplateSpec   `yaml:"templates"`
	Dependencies []DependencySpec `yaml:"dependencies"`
	Users        []domain.User    `yaml:"users"`
	Rules        []RuleSpec       `yaml:"rules"`
}

type TemplateSpec struct {
	ID           string `yaml:"id"`
	Title        string `yaml:"title"`
	Description  string `yaml:"description"`
	Category     string `yaml:"category"`
	DisplayOrder int    `yaml:"display_order"`
	IsTemplate   *bool  `yaml:"is_template"`
}

type DependencySpec struct {
	Task      string `yaml:"task"`
	DependsOn string `yaml:"depends_on"`
	Type      string `yaml:"type"`
}

type RuleSpec struct {
	ID                 string  `yaml:"id"`
	Name               string  `yaml:"name"`
	TriggerCondition   string  `yaml:"trigger_condition"`
	TriggerTaskID      *string `yaml:"trigger_task_id"`
	TriggerStatus      *string `yaml:"trigger_status"`
	Action             string  `yaml:"action"`
	TargetType         string  `yaml:"target_type"`
	ActionTargetTaskID *string `yaml:"action_target_task_id"`
	ActionTargetUserID *string `yaml:"action_target_user_id"`
	IsActive           *bool   `yaml:"is_active"`
}

type ImportSummary struct {
	TemplatesCreated int `json:"templates_created"`
	TemplatesUpdated int `json:"templates_updated"`
	Dependencies     int `json:"dependencies"`
	Users            int `json:"users"`
	Rules            int `json:"rules"`
}

// ImportCatalogFile reads and applies a catalog YAML file.
func (a *App) ImportCatalogFile(ctx context.Context, path, actorID string) (ImportSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportSummary{}, err
	}
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ImportSummary{}, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	return a.ImportCatalog(ctx, file, actorID)
}

// ImportCatalog creates or updates templates, users, edges and rules in
// that order. Edges go through the cycle guard and existing rules are
// replaced by id.
func (a *App) ImportCatalog(ctx context.Context, file CatalogFile, actorID string) (ImportSummary, error) {
	var sum ImportSummary
	for _, t := range file.Templates {
		if t.ID == "" {
			return sum, errors.New("template id is required")
		}
		_, err := a.Catalog.GetTemplate(ctx, t.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			_, err = a.Catalog.CreateTemplate(ctx, catalog.TemplateCreateOptions{
				ID:           t.ID,
				Title:        t.Title,
				Description:  t.Description,
				Category:     t.Category,
				DisplayOrder: t.DisplayOrder,
				NotTemplate:  t.IsTemplate != nil && !*t.IsTemplate,
				ActorID:      actorID,
			})
			if err != nil {
				return sum, fmt.Errorf("template %s: %w", t.ID, err)
			}
			sum.TemplatesCreated++
		case err != nil:
			return sum, err
		default:
			title, desc, order := t.Title, t.Description, t.DisplayOrder
			if _, err := a.Catalog.UpdateTemplate(ctx, catalog.TemplateUpdateOptions{
				ID: t.ID, Title: &title, Description: &desc, DisplayOrder: &order, ActorID: actorID,
			}); err != nil {
				return sum, fmt.Errorf("template %s: %w", t.ID, err)
			}
			sum.TemplatesUpdated++
		}
	}
	for _, u := range file.Users {
		if u.ID == "" {
			return sum, errors.New("user id is required")
		}
		if err := a.Repo.UpsertUser(ctx, u); err != nil {
			return sum, fmt.Errorf("user %s: %w", u.ID, err)
		}
		sum.Users++
	}
	for _, d := range file.Dependencies {
		typ, err := domain.ParseDependencyType(d.Type)
		if err != nil {
			return sum, err
		}
		if _, err := a.Catalog.AddDependency(ctx, d.Task, d.DependsOn, typ, actorID); err != nil {
			return sum, fmt.Errorf("dependency %s -> %s: %w", d.Task, d.DependsOn, err)
		}
		sum.Dependencies++
	}
	for _, r := range file.Rules {
		in := rules.RuleInput{
			ID:                 r.ID,
			Name:               r.Name,
			TriggerCondition:   r.TriggerCondition,
			TriggerTaskID:      r.TriggerTaskID,
			TriggerStatus:      r.TriggerStatus,
			Action:             r.Action,
			TargetType:         r.TargetType,
			ActionTargetTaskID: r.ActionTargetTaskID,
			ActionTargetUserID: r.ActionTargetUserID,
			IsActive:           r.IsActive,
		}
		var err error
		if r.ID != "" {
			if _, getErr := a.Rules.GetRule(ctx, r.ID); getErr == nil {
				_, err = a.Rules.UpdateRule(ctx, r.ID, in)
			} else if errors.Is(getErr, domain.ErrNotFound) {
				_, err = a.Rules.CreateRule(ctx, in)
			} else {
				err = getErr
			}
		} else {
			_, err = a.Rules.CreateRule(ctx, in)
		}
		if err != nil {
			return sum, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		sum.Rules++
	}
	return sum, nil
}
