package count_flow

import (
	"errors"
	"fmt"
	"github.com/pnvasko/count-flow/coordination"
	"strings"
)

const (
	CountCommand = "count"
	CountUsage   = "Usage: count <entityId>"
)

type Submitter interface {
	Submit(entityID string) error
}

// CommandDispatcher parses operator command lines and returns the reply shown
// to whoever typed them.
type CommandDispatcher struct {
	submitter Submitter
}

func NewCommandDispatcher(submitter Submitter) *CommandDispatcher {
	return &CommandDispatcher{submitter: submitter}
}

// Dispatch accepts "count <entityId>", with or without a leading slash.
func (d *CommandDispatcher) Dispatch(line string) string {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if len(fields) == 0 {
		return CountUsage
	}
	if !strings.EqualFold(fields[0], CountCommand) {
		return fmt.Sprintf("Unknown command %q. %s", fields[0], CountUsage)
	}
	if len(fields) != 2 {
		return CountUsage
	}

	entityID := fields[1]
	err := d.submitter.Submit(entityID)
	switch {
	case err == nil:
		return fmt.Sprintf("Counting %s.", entityID)
	case errors.Is(err, coordination.ErrInvalidEntity):
		return fmt.Sprintf("Invalid entity id %q: it must be non-empty, at most %d bytes and cannot contain %q.",
			entityID, coordination.MaxEntityIDLength, coordination.KeyDelimiter)
	case errors.Is(err, ErrCoordinatorClosed):
		return "Counting is shutting down, try again later."
	default:
		return fmt.Sprintf("Could not count %s: %v", entityID, err)
	}
}
