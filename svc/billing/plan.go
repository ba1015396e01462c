package billing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Plan describes a purchasable subscription plan. RemotePlanID must match
// the provider's plan identifier so webhook payloads and checkout requests
// map directly onto the catalog.
type Plan struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	PlanType     PlanType `yaml:"plan_type"`
	RemotePlanID string   `yaml:"remote_plan_id"`
	Price        Money    `yaml:"price"`
	TrialDays    int      `yaml:"trial_days"`
	Public       bool     `yaml:"public"`
}

// TrialEndsAt calculates when the plan's trial period ends.
// Returns startedAt unchanged if the plan has no trial.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}

// PlansListSource defines how plans are loaded into the billing service.
type PlansListSource interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

var (
	ErrFailedToLoadPlans        = errors.New("billing: failed to load plans")
	ErrInvalidPlanConfiguration = errors.New("billing: invalid plan configuration")
	ErrPlanNotFound             = errors.New("billing: plan not found")
)

// ValidatePlans ensures plan configurations are internally consistent,
// catching configuration errors at startup instead of checkout time.
func ValidatePlans(plans map[string]Plan) error {
	for planID, plan := range plans {
		if plan.ID != planID {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan ID mismatch: map key %s != plan.ID %s", planID, plan.ID))
		}
		if plan.TrialDays < 0 {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has negative trial days: %d", planID, plan.TrialDays))
		}
		switch plan.PlanType {
		case PlanMonthly, PlanAnnual, PlanFree, PlanTrial:
		default:
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has unknown plan type %q", planID, plan.PlanType))
		}
		if plan.PlanType == PlanMonthly || plan.PlanType == PlanAnnual {
			if plan.RemotePlanID == "" {
				return errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("paid plan %s is missing a remote plan id", planID))
			}
		}
	}
	return nil
}

type inMemSource struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewInMemSource returns an in-memory plan source. Panics if no plans are
// provided so the service always has at least one valid plan.
func NewInMemSource(plans ...Plan) PlansListSource {
	if len(plans) < 1 {
		panic("billing: at least one plan is required")
	}
	plansCopy := make(map[string]Plan, len(plans))
	for _, plan := range plans {
		plansCopy[plan.ID] = plan
	}
	return &inMemSource{plans: plansCopy}
}

func (s *inMemSource) Load(ctx context.Context) (map[string]Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plansCopy := make(map[string]Plan, len(s.plans))
	for id, plan := range s.plans {
		plansCopy[id] = plan
	}
	return plansCopy, nil
}

type yamlFileSource struct {
	path string
}

// NewYAMLFileSource loads the plan catalog from a YAML file of the form:
//
//	plans:
//	  - id: monthly_standard
//	    name: Standard (Monthly)
//	    plan_type: monthly
//	    remote_plan_id: P-5ML4271244454362WXNWU5NQ
//	    price: {amount: 1290, currency: USD}
func NewYAMLFileSource(path string) PlansListSource {
	return &yamlFileSource{path: path}
}

func (s *yamlFileSource) Load(ctx context.Context) (map[string]Plan, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	plans := make(map[string]Plan, len(doc.Plans))
	for _, plan := range doc.Plans {
		plans[plan.ID] = plan
	}
	if err := ValidatePlans(plans); err != nil {
		return nil, err
	}
	return plans, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
