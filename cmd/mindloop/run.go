package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mindloop/internal/config"
	"mindloop/internal/orchestrator"
	"mindloop/internal/types"
)

var offline bool

// runCmd starts the loop and streams bus events to the console until a
// signal arrives or the loop stops itself.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the cognitive loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath := config.ConfigPath(workspace)
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		o, err := orchestrator.New(cfg, orchestrator.Options{
			Workspace:  workspace,
			Offline:    offline,
			ConfigPath: cfgPath,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sub := o.Context().Events.SubscribeBuffered(256)
		streamDone := make(chan struct{})
		go func() {
			defer close(streamDone)
			for ev := range sub.Events() {
				logEvent(ev)
			}
		}()

		if err := o.Start(ctx); err != nil {
			return err
		}
		logger.Info("loop started",
			zap.Int("daily_token_limit", cfg.DailyTokenLimit),
			zap.Duration("cycle_interval", cfg.CycleInterval()),
			zap.Bool("offline", offline))

		select {
		case <-ctx.Done():
			logger.Info("signal received, stopping")
		case <-o.Context().Engine.Done():
			logger.Warn("loop stopped itself",
				zap.String("reason", o.Context().Engine.StopReason()))
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.Stop(stopCtx); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		<-streamDone

		snap := o.State(context.Background())
		logger.Info("loop stopped",
			zap.Int("cycles", snap.Loop.CycleNo),
			zap.Int("dreams", snap.Loop.DreamsRun),
			zap.Int("tokens_used", snap.Budget.Used),
			zap.String("reason", snap.StopReason))
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&offline, "offline", false, "use canned inference responses (no network)")
}

// logEvent renders one bus event on the console. Chatty per-thought topics
// only show up in verbose mode.
func logEvent(ev types.Event) {
	switch ev.Topic {
	case types.TopicCycleComplete:
		if r, ok := ev.Payload.(types.CycleResult); ok {
			logger.Info("cycle complete",
				zap.Int("cycle", r.CycleNo),
				zap.Bool("ok", r.OK),
				zap.Duration("took", r.Duration))
			return
		}
	case types.TopicDreamStart:
		logger.Info("dream starting", zap.Any("id", ev.Payload))
		return
	case types.TopicDreamComplete:
		if r, ok := ev.Payload.(*types.DreamReport); ok {
			logger.Info("dream complete",
				zap.String("reason", r.TriggeredBy),
				zap.Int("promoted", r.MemoriesPromoted),
				zap.Int("discarded", r.MemoriesDiscarded),
				zap.Int("insights", r.InsightsGenerated))
			return
		}
	case types.TopicBiasDetected:
		logger.Warn("bias detected", zap.Any("finding", ev.Payload))
		return
	case types.TopicStopped:
		logger.Warn("loop stopped", zap.Any("reason", ev.Payload))
		return
	}
	logger.Debug("event", zap.String("topic", string(ev.Topic)), zap.Uint64("seq", ev.ID))
}
