package count_flow

import (
	"fmt"
	"github.com/pnvasko/count-flow/common"
	"strings"
)

const (
	DefaultMaxCount        = 10
	DefaultWinMessage      = "<red>Player %player% just finished!</red>"
	DefaultProgressMessage = "<red>Progression: %count%/%maxcount%</red>"
)

// ThresholdConfig is loaded once at startup and handed to the coordinator by
// value; nothing mutates it afterwards.
type ThresholdConfig struct {
	MaxCount        int64
	WinMessage      string
	ProgressMessage string
}

func NewThresholdConfig(cfg *common.Config) (ThresholdConfig, error) {
	t := ThresholdConfig{
		MaxCount:        cfg.MaxCount,
		WinMessage:      cfg.Messages.CountWin,
		ProgressMessage: cfg.Messages.CountNotify,
	}
	return t, t.Validate()
}

func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		MaxCount:        DefaultMaxCount,
		WinMessage:      DefaultWinMessage,
		ProgressMessage: DefaultProgressMessage,
	}
}

func (t ThresholdConfig) Validate() error {
	if t.MaxCount <= 0 {
		return fmt.Errorf("%w: max count must be positive, got %d", common.ErrInvalidConfig, t.MaxCount)
	}
	return nil
}

// RenderWin fills the win template for the entity that reached the threshold.
func (t ThresholdConfig) RenderWin(entityID string, count int64) string {
	return Render(t.WinMessage, entityID, count, t.MaxCount)
}

func (t ThresholdConfig) RenderProgress(entityID string, count int64) string {
	return Render(t.ProgressMessage, entityID, count, t.MaxCount)
}

// Render substitutes %entity%, %player%, %count% and %maxcount% in template.
// Unknown placeholders are left as they are.
func Render(template, entityID string, count, maxCount int64) string {
	return strings.NewReplacer(
		"%entity%", entityID,
		"%player%", entityID,
		"%count%", common.Int64ToString(count),
		"%maxcount%", common.Int64ToString(maxCount),
	).Replace(template)
}
