package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/shipmate-dev/shipmate/internal/build"
	"github.com/shipmate-dev/shipmate/internal/config"
	internal_http "github.com/shipmate-dev/shipmate/internal/http"
	"github.com/shipmate-dev/shipmate/internal/llm"
	"github.com/shipmate-dev/shipmate/internal/log"
	"github.com/shipmate-dev/shipmate/internal/monitor"
	internal_queue "github.com/shipmate-dev/shipmate/internal/queue"
	internal_storage "github.com/shipmate-dev/shipmate/internal/storage"
	"github.com/shipmate-dev/shipmate/pkg/agents"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment engine and its HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			runServe(cfg)
		},
	}

	deployCmd := &cobra.Command{
		Use:   "deploy [intent]",
		Short: "Submit a deployment intent",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			repoURL, _ := cmd.Flags().GetString("repo")
			domain, _ := cmd.Flags().GetString("domain")
			coord, cleanup := initCoordinator(cfg)
			defer cleanup()
			deployment, err := coord.SubmitDeployment(context.Background(), service.SubmitRequest{
				Intent:  args[0],
				RepoURL: repoURL,
				Domain:  domain,
			})
			if err != nil {
				log.GetLogger().Errorf("Failed to submit deployment: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to submit deployment: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Submitted deployment %s\n", deployment.ID)
		},
	}
	deployCmd.Flags().String("repo", "", "Repository URL to deploy")
	deployCmd.Flags().String("domain", "", "Target domain")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all deployments",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			coord, cleanup := initCoordinator(cfg)
			defer cleanup()
			listDeployments(coord)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [deployment-id]",
		Short: "Show a deployment and its tasks",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			coord, cleanup := initCoordinator(cfg)
			defer cleanup()
			showStatus(coord, args[0])
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry [task-id]",
		Short: "Re-queue a failed task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			coord, cleanup := initCoordinator(cfg)
			defer cleanup()
			if err := coord.RetryTask(context.Background(), args[0]); err != nil {
				log.GetLogger().Errorf("Failed to retry task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to retry task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Re-queued task %s\n", args[0])
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [task-id]",
		Short: "Cancel a pending task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			coord, cleanup := initCoordinator(cfg)
			defer cleanup()
			if err := coord.CancelTask(context.Background(), args[0]); err != nil {
				log.GetLogger().Errorf("Failed to cancel task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to cancel task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Cancelled task %s\n", args[0])
		},
	}

	rootCmd.AddCommand(serveCmd, deployCmd, listCmd, statusCmd, retryCmd, cancelCmd)
}

func loadConfig(cmd *cobra.Command) config.Config {
	cfg, err := config.Load()
	if err != nil {
		if dbConnStr, flagErr := cmd.Flags().GetString("db"); flagErr == nil && dbConnStr != "" {
			cfg.DBConnStr = dbConnStr
			return cfg
		}
		log.GetLogger().Errorf("Failed to load configuration: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if dbConnStr, flagErr := cmd.Flags().GetString("db"); flagErr == nil && dbConnStr != "" {
		cfg.DBConnStr = dbConnStr
	}
	return cfg
}

// initCoordinator wires a coordinator for the one-shot commands. The worker
// pool is never started; submissions and retries only need the store and
// the queue.
func initCoordinator(cfg config.Config) (*service.Coordinator, func()) {
	logger := log.GetLogger()
	store, err := internal_storage.InitStore(cfg.DBConnStr)
	if err != nil {
		logger.Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	q, err := internal_queue.NewPostgresQueue(cfg.DBConnStr)
	if err != nil {
		store.Close()
		logger.Errorf("Failed to initialize queue: %v", err)
		os.Exit(1)
	}
	coord := service.NewCoordinator(store, q, agents.NewRegistry(), logger, service.NewMetrics(nil), service.Config{})
	cleanup := func() {
		q.Close()
		store.Close()
	}
	return coord, cleanup
}

func runServe(cfg config.Config) {
	logger := log.GetLogger()

	store, err := internal_storage.InitStore(cfg.DBConnStr)
	if err != nil {
		logger.Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	q, err := internal_queue.NewPostgresQueue(cfg.DBConnStr)
	if err != nil {
		logger.Errorf("Failed to initialize queue: %v", err)
		os.Exit(1)
	}
	defer q.Close()

	requeued, err := q.RequeueLeased(context.Background())
	if err != nil {
		logger.Errorf("Failed to requeue leased items: %v", err)
		os.Exit(1)
	}
	if requeued > 0 {
		logger.Infof("Returned %d leased queue items to ready after restart", requeued)
	}

	llmClient, err := llm.NewClient(llm.ClientConfig{APIKey: cfg.AnthropicAPIKey})
	if err != nil {
		logger.Errorf("Failed to initialize model client: %v", err)
		os.Exit(1)
	}

	runner, err := build.NewDockerRunner(cfg.BuildWorkDir)
	if err != nil {
		logger.Errorf("Failed to initialize docker runner: %v", err)
		os.Exit(1)
	}
	defer runner.Close()

	registry := agents.NewRegistry()
	registry.Register(models.OrchestratorCapability, agents.NewOrchestratorAgent(store, llmClient, logger))
	registry.Register(models.DeploymentCapability, agents.NewDeploymentAgent(store, runner, llmClient, logger, cfg.BuildMaxAttempts))
	registry.Register(models.MonitoringCapability, agents.NewMonitoringAgent(store, monitor.NewHTTPProber(cfg.ProbeTimeout), logger))
	registry.Register(models.DiagnosisCapability, agents.NewDiagnosisAgent(store, llmClient, nil, logger))

	promRegistry := prometheus.NewRegistry()
	metrics := service.NewMetrics(promRegistry)

	coord := service.NewCoordinator(store, q, registry, logger, metrics, service.Config{
		Workers:           cfg.Workers,
		PollInterval:      cfg.PollInterval,
		ReconcileBatch:    cfg.ReconcileBatch,
		SettleDelay:       cfg.SettleDelay,
		ReconcileInterval: cfg.ReconcileInterval,
	})
	coord.Start(context.Background())
	defer coord.Stop()

	if err := internal_http.StartServer(cfg.Port, coord, promRegistry); err != nil {
		logger.Errorf("Server stopped: %v", err)
		os.Exit(1)
	}
}

func listDeployments(coord *service.Coordinator) {
	deployments, err := coord.ListDeployments()
	if err != nil {
		log.GetLogger().Errorf("Failed to list deployments: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list deployments: %v\n", err)
		os.Exit(1)
	}
	if len(deployments) == 0 {
		fmt.Fprintf(os.Stdout, "No deployments found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Deployments:\n")
	for _, d := range deployments {
		fmt.Fprintf(os.Stdout, "- ID: %s, Status: %s, Intent: %s, Created: %s\n",
			d.ID, d.Status, d.Intent, d.CreatedAt.Format(time.RFC3339))
	}
}

func showStatus(coord *service.Coordinator, deploymentID string) {
	deployment, err := coord.GetDeployment(deploymentID)
	if err != nil {
		log.GetLogger().Errorf("Failed to load deployment: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to load deployment: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Deployment %s: %s\n", deployment.ID, deployment.Status)
	fmt.Fprintf(os.Stdout, "Intent: %s\n", deployment.Intent)

	tasks, err := coord.ListTasks(deploymentID)
	if err != nil {
		log.GetLogger().Errorf("Failed to list tasks: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list tasks: %v\n", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stdout, "No tasks yet.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(os.Stdout, "- ID: %s, Capability: %s, Name: %s, Status: %s, Attempts: %d\n",
			t.ID, t.Capability, t.Name, t.Status, t.Attempts)
	}
}
