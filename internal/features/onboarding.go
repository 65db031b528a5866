package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/storage"
)

// Task is one onboarding item.
type Task struct {
	Name        string     `json:"name"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Stage groups related tasks.
type Stage struct {
	Name  string `json:"name"`
	Tasks []Task `json:"tasks"`
}

// Onboarding is the per-org progress record. A thin state store; nothing
// here schedules or enforces anything.
type Onboarding struct {
	OrgID     string    `json:"org_id"`
	Stages    []Stage   `json:"stages"`
	StartedAt time.Time `json:"started_at"`
}

// Progress returns completed and total task counts across all stages.
func (o *Onboarding) Progress() (completed, total int) {
	for _, stage := range o.Stages {
		for _, task := range stage.Tasks {
			total++
			if task.CompletedAt != nil {
				completed++
			}
		}
	}
	return completed, total
}

// ProgressPercent is completed/total rounded down; 0 when there are no tasks.
func (o *Onboarding) ProgressPercent() int {
	completed, total := o.Progress()
	if total == 0 {
		return 0
	}
	return completed * 100 / total
}

func onboardingKey(orgID string) string { return "onboarding:" + orgID }

// DefaultStages is the onboarding plan new orgs start with.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "setup", Tasks: []Task{
			{Name: "invite_team"},
			{Name: "connect_infrastructure"},
		}},
		{Name: "first_value", Tasks: []Task{
			{Name: "run_first_agent"},
			{Name: "complete_first_workflow"},
		}},
		{Name: "adoption", Tasks: []Task{
			{Name: "enable_approval_gates"},
			{Name: "review_weekly_report"},
		}},
	}
}

// StartOnboarding initializes the record. Idempotent; an existing record is
// returned untouched.
func (s *Service) StartOnboarding(ctx context.Context, orgID string, stages []Stage) (*Onboarding, error) {
	if existing, err := s.GetOnboarding(ctx, orgID); err == nil {
		return existing, nil
	} else if !platerr.IsKind(err, platerr.KindNotFound) {
		return nil, err
	}

	if len(stages) == 0 {
		stages = DefaultStages()
	}
	record := &Onboarding{
		OrgID:     orgID,
		Stages:    stages,
		StartedAt: time.Now().UTC(),
	}
	if err := s.saveOnboarding(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// GetOnboarding loads the record.
func (s *Service) GetOnboarding(ctx context.Context, orgID string) (*Onboarding, error) {
	raw, err := s.store.Get(ctx, onboardingKey(orgID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, platerr.New(platerr.KindNotFound, "no onboarding record for org")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load onboarding record: %w", err)
	}
	var record Onboarding
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupt onboarding record: %w", err)
	}
	return &record, nil
}

// CompleteTask stamps a task done. Completing a task twice keeps the first
// stamp.
func (s *Service) CompleteTask(ctx context.Context, orgID, stageName, taskName string) (*Onboarding, error) {
	record, err := s.GetOnboarding(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for si := range record.Stages {
		if record.Stages[si].Name != stageName {
			continue
		}
		for ti := range record.Stages[si].Tasks {
			task := &record.Stages[si].Tasks[ti]
			if task.Name != taskName {
				continue
			}
			if task.CompletedAt == nil {
				now := time.Now().UTC()
				task.CompletedAt = &now
				if err := s.saveOnboarding(ctx, record); err != nil {
					return nil, err
				}
			}
			return record, nil
		}
	}
	return nil, platerr.New(platerr.KindNotFound, "unknown onboarding task %s/%s", stageName, taskName)
}

func (s *Service) saveOnboarding(ctx context.Context, record *Onboarding) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode onboarding record: %w", err)
	}
	if err := s.store.Put(ctx, onboardingKey(record.OrgID), raw, 0); err != nil {
		return fmt.Errorf("failed to persist onboarding record: %w", err)
	}
	return nil
}
