package billing

// Environment is the isolation boundary within which provider plan and
// discount IDs must be unique.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

// BillingPlan is a catalog entry mapping a provider plan to the local
// subscription it produces. Plans are configured by administrators and
// read-mostly at runtime.
type BillingPlan struct {
	ID             string
	Name           string
	Description    string
	ProviderPlanID string
	Environment    Environment
	Available      bool
	HasFreeTrial   bool
	Type           SubscriptionType
	RolesToAssign  []string
	RolesToRevoke  []string
	// Weight orders plans on the signup page, lowest first.
	Weight int
	// Price is the plan's periodic amount as a decimal string, with
	// CurrencyCode naming its ISO 4217 currency.
	Price        string
	CurrencyCode string
}

// Discount is a provider-recognized price reduction scoped to specific
// billing plans within one environment.
type Discount struct {
	ID                 string
	Name               string
	ProviderDiscountID string
	Environment        Environment
	Published          bool
	BillingPlanIDs     []string
}

// AppliesTo reports whether the discount may be used with the given plan:
// it must be published, live in the plan's environment, and be associated
// with the plan.
func (d Discount) AppliesTo(plan BillingPlan) bool {
	if !d.Published || d.Environment != plan.Environment {
		return false
	}
	for _, id := range d.BillingPlanIDs {
		if id == plan.ID {
			return true
		}
	}
	return false
}
