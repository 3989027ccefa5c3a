package taskname

const (
	// Ledger tasks
	LedgerNotification = "ledger:notification"
	LedgerExpiryRun    = "ledger:expiry:run"
	LedgerExpiryTenant = "ledger:expiry:tenant"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
