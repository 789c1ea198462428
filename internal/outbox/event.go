package outbox

// Event is the domain event envelope written to the outbox table. The
// Kafka topic name equals EventType (one topic per event type).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types published by the billing core. Consumers (invoicing display,
// admin emails, the trial-notice sender) subscribe by topic.
const (
	EventSubscriptionCreated        = "billing.subscription.created.v1"
	EventSubscriptionCanceledByUser = "billing.subscription.canceled_by_user.v1"
	EventPaymentMethodUpdated       = "billing.payment_method.updated.v1"
	EventTrialWillEnd               = "billing.trial.will_end.v1"
	EventProviderError              = "billing.provider.error.v1"
	EventAdminAlert                 = "billing.admin.alert.v1"
)
