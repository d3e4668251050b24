package coordination

import "time"

type baseKvStore struct {
	scope            string
	bucketName       string
	retryWait        time.Duration
	opTimeout        time.Duration
	maxRetryAttempts int
}

func (s *baseKvStore) setScope(scope string) {
	s.scope = scope
}

func (s *baseKvStore) setBucketName(bucketName string) {
	s.bucketName = bucketName
}

func (s *baseKvStore) setRetryWait(ttl time.Duration) {
	s.retryWait = ttl
}

func (s *baseKvStore) setOpTimeout(ttl time.Duration) {
	s.opTimeout = ttl
}

func (s *baseKvStore) setMaxRetryAttempts(n int) {
	s.maxRetryAttempts = n
}
