package coordination

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// KeyNamespace prefixes every cache key holding a live count.
	KeyNamespace = "count"
	// KeyDelimiter separates the namespace from the entity id in cache keys and
	// the entity id from the count in completion events.
	KeyDelimiter = ":"
	// MaxEntityIDLength matches the durable schema primary key width.
	MaxEntityIDLength = 255
)

var ErrInvalidEntity = errors.New("invalid entity id")

// DeriveKey maps an entity id to its cache key. The durable store keys rows by
// the raw entity id; only the cache uses the namespaced form.
func DeriveKey(entityID string) string {
	return KeyNamespace + KeyDelimiter + entityID
}

// ValidEntityID rejects ids that cannot round-trip through the cache key and the
// completion event encoding.
func ValidEntityID(entityID string) error {
	switch {
	case strings.TrimSpace(entityID) == "":
		return fmt.Errorf("%w: entity id is empty", ErrInvalidEntity)
	case strings.Contains(entityID, KeyDelimiter):
		return fmt.Errorf("%w: %q contains %q", ErrInvalidEntity, entityID, KeyDelimiter)
	case len(entityID) > MaxEntityIDLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidEntity, MaxEntityIDLength)
	}
	return nil
}
