package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"metricsink/agent"
	"metricsink/collector"
	"metricsink/config"
	"metricsink/logger"
	"metricsink/uploader"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Collect metrics on this host and upload them to a metricsink server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Close()

		if cfg.Agent.DeviceID == "" {
			host, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("agent.device_id not set and hostname unavailable: %w", err)
			}
			cfg.Agent.DeviceID = host
		}
		if err := cfg.ValidateAgent(); err != nil {
			return err
		}
		a := cfg.Agent

		client := uploader.NewClient(a.ServerURL, uploader.Options{
			APIKey:         a.APIKey,
			Timeout:        a.Timeout,
			MaxRetries:     a.MaxRetries,
			BackoffInitial: a.BackoffInitial,
			BackoffMax:     a.BackoffMax,
		}, log.Component("uploader"))
		var opts []uploader.QueueOption
		if a.SpoolPath != "" {
			spool, err := uploader.OpenSpool(cmd.Context(), a.SpoolPath, log.Component("spool"))
			if err != nil {
				return err
			}
			defer spool.Close()
			opts = append(opts, uploader.WithSpool(spool))
		}
		queue := uploader.NewQueue(a.QueueSize, client, log.Component("queue"), opts...)

		runner := agent.New(buildCollectors(cfg, log),
			collector.Identity{DeviceID: a.DeviceID, Source: a.Source},
			queue, a.Interval, a.Timeout, log.Component("agent"))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		once, _ := cmd.Flags().GetBool("once")
		if once {
			if !runner.Once(ctx) {
				return fmt.Errorf("collection failed")
			}
		} else if err := runner.Run(ctx); err != nil {
			return err
		}

		// Pending uploads get one more backoff window to finish.
		dctx, cancel := context.WithTimeout(context.Background(), a.Timeout+a.BackoffMax)
		defer cancel()
		closeErr := queue.Close(dctx)
		st := queue.Stats()
		log.Logger.Info("agent finished",
			zap.Int64("sent", st.Sent),
			zap.Int64("failed", st.Failed),
			zap.Int64("dropped", st.Dropped),
			zap.Int64("spooled", st.Spooled),
			zap.Int64("replayed", st.Replayed))
		if closeErr != nil {
			return fmt.Errorf("drain upload queue: %w", closeErr)
		}
		if once && st.Sent == 0 {
			return fmt.Errorf("upload failed")
		}
		return nil
	},
}

// buildCollectors always includes the local collector and adds remote
// sources that are configured.
func buildCollectors(cfg *config.Config, log *logger.Logger) []collector.Collector {
	colls := []collector.Collector{collector.NewLocalCollector(log.Component("collector.local"))}
	a := cfg.Agent
	if a.PrometheusURL != "" && len(a.PrometheusQueries) > 0 {
		colls = append(colls, collector.NewPrometheusCollector(a.PrometheusURL, a.PrometheusQueries, a.Timeout, log.Component("collector.prometheus")))
	}
	if a.ModelAPIURL != "" {
		colls = append(colls, collector.NewModelAPICollector(a.ModelAPIURL, a.Timeout, log.Component("collector.model_api")))
	}
	return colls
}

func init() {
	agentCmd.Flags().Bool("once", false, "collect and upload a single snapshot, then exit")
	rootCmd.AddCommand(agentCmd)
}
