package coordination

import (
	"errors"
	"github.com/nats-io/nats.go/jetstream"
	"math/rand"
	"time"
)

func getJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(defaultMaxProcessingJitter)))
}

func isJSWrongLastSequence(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError

	ok := errors.As(err, &apiErr)
	if !ok {
		return false
	}
	return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func isJSKeyMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
