package usage

import (
	"context"
	"fmt"

	"secondlayer/internal/models"
)

// Dimensions a plan can exceed, in check order. The first exceeded dimension
// is the one reported.
const (
	DimAPIRequests = "apiRequestsPerDay"
	DimDeliveries  = "deliveriesPerMonth"
	DimStorage     = "storageBytes"
	DimStreams     = "streams"
	DimViews       = "views"
)

// UsageSource resolves an account's plan limits and current usage.
// *repository.Repository satisfies it.
type UsageSource interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetPlanLimits(ctx context.Context, plan string) (*models.PlanLimits, error)
	GetAccountUsage(ctx context.Context, accountID string) (*models.AccountUsage, error)
}

// Decision is the outcome of a plan check.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Exceeded string `json:"exceeded,omitempty"`
	Limit    int64  `json:"limit,omitempty"`
	Current  int64  `json:"current,omitempty"`
}

// Enforcer compares account usage against plan limits before mutations.
// With devMode set, every check passes.
type Enforcer struct {
	source  UsageSource
	devMode bool
}

func NewEnforcer(source UsageSource, devMode bool) *Enforcer {
	return &Enforcer{source: source, devMode: devMode}
}

// Scope selects which dimensions a call site checks.
type Scope int

const (
	// ScopeRequest guards every authenticated API call.
	ScopeRequest Scope = iota
	// ScopeStreamCreate additionally guards stream creation.
	ScopeStreamCreate
	// ScopeViewCreate additionally guards view deployment.
	ScopeViewCreate
	// ScopeDelivery guards webhook dispatch volume.
	ScopeDelivery
)

// Check evaluates the dimensions relevant to the scope. A dimension passes
// while usage is strictly below its limit; limits <= 0 are unlimited.
func (e *Enforcer) Check(ctx context.Context, accountID string, scope Scope) (*Decision, error) {
	if e.devMode {
		return &Decision{Allowed: true}, nil
	}

	account, err := e.source.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %s not found", accountID)
	}

	limits, err := e.source.GetPlanLimits(ctx, account.Plan)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", account.Plan, err)
	}
	current, err := e.source.GetAccountUsage(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load usage for %s: %w", accountID, err)
	}

	return Evaluate(limits, current, scope), nil
}

// Evaluate is the pure comparison; exposed for tests and the status surface.
func Evaluate(limits *models.PlanLimits, current *models.AccountUsage, scope Scope) *Decision {
	type dim struct {
		name    string
		limit   int64
		usage   int64
		applies bool
	}
	dims := []dim{
		{DimAPIRequests, limits.APIRequestsPerDay, current.APIRequestsToday, true},
		{DimDeliveries, limits.DeliveriesPerMonth, current.DeliveriesThisMonth, scope == ScopeDelivery},
		{DimStorage, limits.StorageBytes, current.StorageBytes, scope == ScopeViewCreate},
		{DimStreams, int64(limits.MaxStreams), int64(current.Streams), scope == ScopeStreamCreate},
		{DimViews, int64(limits.MaxViews), int64(current.Views), scope == ScopeViewCreate},
	}

	for _, d := range dims {
		if !d.applies || d.limit <= 0 {
			continue
		}
		if d.usage >= d.limit {
			return &Decision{Allowed: false, Exceeded: d.name, Limit: d.limit, Current: d.usage}
		}
	}
	return &Decision{Allowed: true}
}
