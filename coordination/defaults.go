package coordination

import "time"

const (
	defaultRetryWait           = 50 * time.Millisecond
	defaultMaxRetryAttempts    = 10 // Limit CAS retries on the KV increment path
	defaultMaxProcessingJitter = 50 * time.Millisecond

	defaultStoreScope   = "entity_counts"
	defaultOpTimeout    = 2 * time.Second
	defaultNatsBucket   = "counters"
	defaultSubjectRoot  = "pubsub"
	defaultHealthyAfter = 5 * time.Second
)
