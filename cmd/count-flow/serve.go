package main

import (
	"context"
	countflow "github.com/pnvasko/count-flow"
	"github.com/pnvasko/count-flow/common"
	"github.com/pnvasko/count-flow/observer"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"time"
)

const shutdownTimeout = 10 * time.Second

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the coordinator, the completion subscription, the progress ticker and the observer websocket",
	Action: func(c *cli.Context) error {
		ctx, cancel := context.WithCancel(c.Context)
		defer cancel()

		var hub *observer.Hub
		svc, err := newServices(ctx, c.String(configFlag.Name), func(logger *common.Logger) countflow.ObserverSet {
			hub = observer.NewHub(logger.Named("hub"))
			return hub
		})
		if err != nil {
			return err
		}
		logger := svc.logger

		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := svc.Close(shutdownCtx); err != nil {
				logger.Ctx(shutdownCtx).Error("shutdown finished with errors", zap.Error(err))
			}
			logger.Info("count-flow stopped")
		}()

		dispatcher := countflow.NewCommandDispatcher(svc.coordinator)
		server := observer.NewServer(ctx, svc.cfg.HTTP.Addr, hub, dispatcher, svc.health, logger.Named("http"))

		runGroup, err := common.NewRunGroup(common.WithRunGroupLogger(logger), common.WithStopTimeout(shutdownTimeout))
		if err != nil {
			return err
		}
		if err := runGroup.Add("hub", hub.Run, nil); err != nil {
			return err
		}
		if err := runGroup.Add("subscription", svc.coordinator.RunSubscription, func(err error) {
			if err != nil {
				logger.Debug("subscription interrupted", zap.Error(err))
			}
		}); err != nil {
			return err
		}
		if err := runGroup.Add("ticker", svc.coordinator.RunTicker, nil); err != nil {
			return err
		}
		if err := runGroup.Add("http", server.ListenAndServe, server.Shutdown); err != nil {
			return err
		}

		logger.Ctx(ctx).Info("count-flow started",
			zap.String("cache", svc.cfg.CacheBackend),
			zap.String("strategy", svc.cfg.Strategy),
			zap.Int64("max_count", svc.cfg.MaxCount),
			zap.String("http", svc.cfg.HTTP.Addr),
		)
		return runGroup.Run(ctx)
	},
}
