// Copyright 2016 Nokia Corporation and/or its subsidiary(-ies).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"deployer/pkg/api"
	"deployer/pkg/core/config"
	"deployer/pkg/core/logging"
	"deployer/pkg/engine"
	"deployer/pkg/health"
	"deployer/pkg/integration"
	"deployer/pkg/inventory"
	"deployer/pkg/metrics"
	"deployer/pkg/notify"
	"deployer/pkg/queue"
	"deployer/pkg/store"
	"deployer/pkg/supervisor"
	"deployer/pkg/workers"
	"deployer/pkg/ws"
)

const (
	executorCount = 5
	fetcherCount  = 3

	// fetchBacklog bounds pending mirror refreshes; beyond it the API
	// answers 503 instead of queueing more.
	fetchBacklog = 64
)

var (
	runConfigFile string
	runLogLevel   string
)

// runCmd represents the run command (deployer main loop).
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the deployer",
	Long: `Run the deployer.

The deployer consumes deployment jobs from beanstalk, rolls releases
across server clusters behind HAProxy, keeps local git mirrors fresh
and serves the HTTP API and the websocket event stream.

Example usage:
  # Run with the default config path
  deployer run

  # Run with an explicit config file
  deployer run --config /etc/deployer/deployer.ini`,
	RunE: runDeployer,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigFile, "config", "c", "",
		"Path to the INI configuration file (env: DEPLOYER_CONFIG)")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "",
		"Override the configured log level (ERROR, WARNING, INFO, DEBUG)")
}

func runDeployer(cmd *cobra.Command, args []string) error {
	path := configPath(runConfigFile)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration %s: %w", path, err)
	}

	level := cfg.General.LogLevel
	if runLogLevel != "" {
		level = runLogLevel
	}
	logger := logging.NewLogger(level)
	slog.SetDefault(logger)
	logger.Info("Deployer starting", "config", path, "log_level", level)

	st, err := store.Open(cfg.Database.Connection)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}

	provider, err := integration.Get(cfg.Integration.Provider)
	if err != nil {
		return err
	}
	logger.Info("Integration provider selected", "provider", provider.Name())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	hr := health.NewRegistry()
	hub := ws.NewHub(cfg.General.WebsocketPort, logger)
	mtr := metrics.New()
	mailer := notify.NewSMTPMailer(cfg.Mail.MTA)

	sinks := []notify.Notifier{
		notify.NewMailNotifier(mailer, cfg.Mail.Sender, cfg.General.NotifyMails),
		notify.NewWebSocketNotifier(hub),
		notify.NewGraphiteNotifier(cfg.General.CarbonHost, cfg.General.CarbonPort),
		notify.NewRemoteDeployerNotifier(
			peerDeployers(cfg.Cluster),
			cfg.Cluster.ThisDeployerUsername,
			cfg.Cluster.ThisDeployerToken),
		mtr,
	}
	sinks = append(sinks, provider.Notifiers()...)
	notifier := notify.NewCollection(logger, sinks...)

	eng := engine.New(st, engine.Config{
		BaseRepoPath:    cfg.General.LocalRepoPath,
		HAProxyUser:     cfg.General.HAProxyUser,
		HAProxyPassword: cfg.General.HAProxyPass,
		NotifyMails:     cfg.General.NotifyMails,
		MailSender:      cfg.Mail.Sender,
	}, notifier, engine.NewHAProxyControl(cfg.General.HAProxyUser, cfg.General.HAProxyPass),
		mailer, provider.ArtifactDetector(), logger)

	beanstalkAddr := fmt.Sprintf("%s:%d", cfg.General.BeanstalkHost, cfg.General.BeanstalkPort)

	var supervised []supervisor.Worker
	supervised = append(supervised, hub)

	// Each executor holds its own beanstalk connection; the protocol is
	// not multiplexed.
	for i := 0; i < executorCount; i++ {
		q, err := queue.Dial(beanstalkAddr)
		if err != nil {
			return fmt.Errorf("failed to connect to beanstalk at %s: %w", beanstalkAddr, err)
		}
		defer q.Close()
		supervised = append(supervised,
			workers.NewExecutor(i, workers.BeanstalkSource{Queue: q}, eng, logger))
	}

	fetchRequests := make(chan workers.FetchRequest, fetchBacklog)
	for i := 0; i < fetcherCount; i++ {
		supervised = append(supervised,
			workers.NewFetcher(i, cfg.General.LocalRepoPath, fetchRequests, notifier, logger))
	}

	enqueueQueue, err := queue.Dial(beanstalkAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to beanstalk at %s: %w", beanstalkAddr, err)
	}
	defer enqueueQueue.Close()
	enqueuer := workers.NewEnqueuer(st, enqueueQueue, notifier, cfg.Cluster.DeployersURLs, logger)

	if cfg.General.CheckReleasesFrequency > 0 {
		supervised = append(supervised, workers.NewAuditor(st, hr,
			time.Duration(cfg.General.CheckReleasesFrequency)*time.Second,
			cfg.General.CheckReleasesIgnoreEnvironments, logger))
	}
	supervised = append(supervised, workers.NewCleaner(st, cfg.General.LocalRepoPath, logger))

	if cfg.Inventory.Activate {
		client := inventory.NewClient(cfg.Inventory.APIHost)
		pending := inventory.NewQueue()
		supervised = append(supervised,
			inventory.NewChecker(st, client, pending,
				time.Duration(cfg.Inventory.UpdateFrequency)*time.Minute, logger),
			inventory.NewApplier(st, client, pending, logger))
	}

	supervised = append(supervised, api.NewServer(api.Deps{
		Port:          cfg.General.APIPort,
		Store:         st,
		Queuer:        enqueuer,
		FetchRequests: fetchRequests,
		Health:        hr,
		Broadcaster:   hub,
		Authenticator: provider.Authenticator(st),
		Metrics:       mtr.Handler(),
		BaseRepoPath:  cfg.General.LocalRepoPath,
		Logger:        logger,
	}))

	notifier.Dispatch(ctx, notify.DeployerStarted())

	if err := supervisor.New(hr, logger, supervised...).Run(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("deployer failed: %w", err)
		}
	}
	logger.Info("Deployer shutdown complete")
	return nil
}

// peerDeployers returns the cluster urls without this instance, the
// targets of cross-deployer event forwarding.
func peerDeployers(c config.Cluster) []string {
	var out []string
	for _, url := range c.DeployersURLs {
		if url != c.ThisDeployerURL {
			out = append(out, url)
		}
	}
	return out
}
