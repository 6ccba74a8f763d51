package audithook

// Actions, one per lifecycle hook. They are the Action of the events the
// extension records and the values accepted by WithActions.
const (
	ActionJobScheduled     = "job.scheduled"
	ActionJobStarted       = "job.started"
	ActionJobCompleted     = "job.completed"
	ActionJobFailed        = "job.failed"
	ActionJobRetrying      = "job.retrying"
	ActionJobDLQ           = "job.dlq"
	ActionExchangeCreated  = "exchange.created"
	ActionExchangeAcked    = "exchange.acked"
	ActionExchangeTimedOut = "exchange.timed_out"
	ActionMessageRouted    = "exchange.routed"
	ActionMaintenanceRan   = "maintenance.ran"
)

const (
	CategoryJob         = "choreo.job"
	CategoryExchange    = "choreo.exchange"
	CategoryMaintenance = "choreo.maintenance"
)

const (
	ResourceJob      = "job"
	ResourceExchange = "message_exchange"
	ResourceTask     = "maintenance_task"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// kind is the fixed classification of an action. A hook may escalate
// severity and outcome for a single event.
type kind struct {
	category string
	resource string
	severity string
	outcome  string
}

var catalog = map[string]kind{
	ActionJobScheduled:     {CategoryJob, ResourceJob, SeverityInfo, OutcomeSuccess},
	ActionJobStarted:       {CategoryJob, ResourceJob, SeverityInfo, OutcomeSuccess},
	ActionJobCompleted:     {CategoryJob, ResourceJob, SeverityInfo, OutcomeSuccess},
	ActionJobFailed:        {CategoryJob, ResourceJob, SeverityWarning, OutcomeFailure},
	ActionJobRetrying:      {CategoryJob, ResourceJob, SeverityWarning, OutcomeFailure},
	ActionJobDLQ:           {CategoryJob, ResourceJob, SeverityCritical, OutcomeFailure},
	ActionExchangeCreated:  {CategoryExchange, ResourceExchange, SeverityInfo, OutcomeSuccess},
	ActionExchangeAcked:    {CategoryExchange, ResourceExchange, SeverityInfo, OutcomeSuccess},
	ActionExchangeTimedOut: {CategoryExchange, ResourceExchange, SeverityWarning, OutcomeFailure},
	ActionMessageRouted:    {CategoryExchange, ResourceExchange, SeverityInfo, OutcomeSuccess},
	ActionMaintenanceRan:   {CategoryMaintenance, ResourceTask, SeverityInfo, OutcomeSuccess},
}

// AllActions returns every action in hook order.
func AllActions() []string {
	return []string{
		ActionJobScheduled, ActionJobStarted, ActionJobCompleted,
		ActionJobFailed, ActionJobRetrying, ActionJobDLQ,
		ActionExchangeCreated, ActionExchangeAcked, ActionExchangeTimedOut,
		ActionMessageRouted, ActionMaintenanceRan,
	}
}
