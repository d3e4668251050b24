package coordination

import (
	"fmt"
	"time"
)

type StoreOption[T any] func(T) error

func WithScope[T interface{ setScope(string) }](scope string) StoreOption[T] {
	return func(s T) error {
		if scope == "" {
			return fmt.Errorf("scope cannot be empty")
		}
		s.setScope(scope)
		return nil
	}
}

func WithBucketName[T interface{ setBucketName(string) }](bucketName string) StoreOption[T] {
	return func(s T) error {
		if bucketName == "" {
			return fmt.Errorf("bucket name cannot be empty")
		}
		s.setBucketName(bucketName)
		return nil
	}
}

func WithRetryWait[T interface{ setRetryWait(time.Duration) }](ttl time.Duration) StoreOption[T] {
	return func(s T) error {
		s.setRetryWait(ttl)
		return nil
	}
}

func WithOpTimeout[T interface{ setOpTimeout(time.Duration) }](ttl time.Duration) StoreOption[T] {
	return func(s T) error {
		if ttl <= 0 {
			return fmt.Errorf("operation timeout must be positive")
		}
		s.setOpTimeout(ttl)
		return nil
	}
}

func WithMaxRetryAttempts[T interface{ setMaxRetryAttempts(int) }](n int) StoreOption[T] {
	return func(s T) error {
		if n <= 0 {
			return fmt.Errorf("max retry attempts must be positive")
		}
		s.setMaxRetryAttempts(n)
		return nil
	}
}
