package main

import (
	"context"
	"fmt"
	countflow "github.com/pnvasko/count-flow"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var countCommand = &cli.Command{
	Name:      "count",
	Usage:     "increment one entity and exit",
	ArgsUsage: "<entityId>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit(countflow.CountUsage, 2)
		}
		entityID := c.Args().First()

		ctx, cancel := context.WithCancel(c.Context)
		defer cancel()

		svc, err := newServices(ctx, c.String(configFlag.Name), nil)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := svc.Close(shutdownCtx); err != nil {
				svc.logger.Ctx(shutdownCtx).Error("shutdown finished with errors", zap.Error(err))
			}
		}()

		res := svc.coordinator.Handle(ctx, entityID)
		if !res.Applied {
			return cli.Exit(fmt.Sprintf("increment for %q was not applied, see logs", entityID), 1)
		}
		threshold := svc.coordinator.Threshold()
		if res.Completed {
			_, _ = fmt.Fprintln(c.App.Writer, threshold.RenderWin(entityID, res.Count))
			return nil
		}
		_, _ = fmt.Fprintln(c.App.Writer, threshold.RenderProgress(entityID, res.Count))
		return nil
	},
}
