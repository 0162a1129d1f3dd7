package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	internal_http "github.com/dagforge/dagforge/internal/http"
	"github.com/dagforge/dagforge/internal/log"
	internal_storage "github.com/dagforge/dagforge/internal/storage"
	"github.com/dagforge/dagforge/pkg/executor"
	"github.com/dagforge/dagforge/pkg/models"
	"github.com/dagforge/dagforge/pkg/queue"
	"github.com/dagforge/dagforge/pkg/service"
)

// SetupCLI attaches all engine commands to the root command.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", os.Getenv("DATABASE_URL"), "Postgres connection string")
	rootCmd.PersistentFlags().String("redis", os.Getenv("REDIS_ADDR"), "Redis address; empty runs the embedded in-process queue")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server with the orchestrator and scheduler",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetString("port")
			runServe(cmd, port)
		},
	}
	serveCmd.Flags().String("port", "8080", "HTTP port")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a task worker consuming the redis queues",
		Run: func(cmd *cobra.Command, args []string) {
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			kinds, _ := cmd.Flags().GetStringSlice("kinds")
			runWorker(cmd, concurrency, kinds)
		},
	}
	workerCmd.Flags().Int("concurrency", 0, "Consumers per task kind (0 = CPU count)")
	workerCmd.Flags().StringSlice("kinds", nil, "Task kinds to consume (default: all)")

	createCmd := &cobra.Command{
		Use:   "create [definition.json]",
		Short: "Create a workflow version from a JSON definition",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			wf := readDefinition(args[0])
			svc, store, _ := buildService(cmd, false)
			defer store.Close()
			saved, err := svc.CreateWorkflow(wf)
			if err != nil {
				fatal("failed to create workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Created workflow '%s' v%d with ID %d\n", saved.Name, saved.Version, saved.ID)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate [definition.json]",
		Short: "Validate a workflow definition without executing it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			wf := readDefinition(args[0])
			svc := service.NewWorkflowService(nil, nil, log.GetLogger())
			result := svc.ValidateDefinition(wf)
			if result.Valid() {
				fmt.Fprintln(os.Stdout, "Workflow definition is valid")
				return
			}
			for _, e := range result.Errors {
				fmt.Fprintf(os.Stdout, "- %s\n", e.Error())
			}
			os.Exit(1)
		},
	}

	submitCmd := &cobra.Command{
		Use:   "submit [workflow-name]",
		Short: "Trigger an execution of a stored workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := requireRedis(cmd, "submit"); err != nil {
				fatal("%v", err)
			}
			version, _ := cmd.Flags().GetInt("version")
			input, _ := cmd.Flags().GetString("input")
			svc, store, _ := buildService(cmd, true)
			defer store.Close()
			var payload json.RawMessage
			if input != "" {
				payload = json.RawMessage(input)
			}
			exec, err := svc.Submit(context.Background(), args[0], version, payload, models.CLITrigger)
			if err != nil {
				fatal("failed to submit workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Execution %s of workflow %s v%d is %s\n", exec.ID, args[0], exec.WorkflowVersion, exec.Status)
		},
	}
	submitCmd.Flags().Int("version", 0, "Workflow version (0 = latest)")
	submitCmd.Flags().String("input", "", "Input payload as JSON")

	statusCmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Print the snapshot of an execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store, _ := buildService(cmd, false)
			defer store.Close()
			snapshot, err := svc.Snapshot(args[0])
			if err != nil {
				fatal("failed to load execution: %v", err)
			}
			printSnapshot(snapshot)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [execution-id]",
		Short: "Request cancellation of a running execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := requireRedis(cmd, "cancel"); err != nil {
				fatal("%v", err)
			}
			svc, store, _ := buildService(cmd, true)
			defer store.Close()
			if err := svc.Cancel(context.Background(), args[0]); err != nil {
				fatal("failed to cancel execution: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Cancellation of execution %s requested\n", args[0])
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflow versions",
		Run: func(cmd *cobra.Command, args []string) {
			svc, store, _ := buildService(cmd, false)
			defer store.Close()
			workflows, err := svc.ListWorkflows()
			if err != nil {
				fatal("failed to list workflows: %v", err)
			}
			if len(workflows) == 0 {
				fmt.Fprintln(os.Stdout, "No workflows found.")
				return
			}
			for _, wf := range workflows {
				fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Version: %d, Schedule: %q\n", wf.ID, wf.Name, wf.Version, wf.Schedule)
			}
		},
	}

	rootCmd.AddCommand(serveCmd, workerCmd, createCmd, validateCmd, submitCmd, statusCmd, cancelCmd, listCmd)
}

func runServe(cmd *cobra.Command, port string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := initStore(cmd)
	defer store.Close()
	broker := initBroker(cmd, "serve")
	defer broker.Close()

	logger := log.GetLogger()
	orchestrator := service.NewOrchestrator(ctx, store, broker, logger)
	svc := service.NewWorkflowService(store, orchestrator, logger)

	go func() {
		if err := orchestrator.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("Orchestrator stopped: %v", err)
		}
	}()
	go func() {
		if err := service.NewScheduler(svc, logger).Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("Scheduler stopped: %v", err)
		}
	}()

	// The embedded queue has no external workers, so run them in-process.
	if _, ok := broker.(*queue.MemoryBroker); ok {
		worker := service.NewWorker(store, broker, executor.DefaultRegistry(), logger)
		go func() {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("Embedded worker stopped: %v", err)
			}
		}()
		logger.Infof("Running with embedded queue and in-process workers")
	}

	if err := internal_http.StartServer(port, svc); err != nil {
		fatal("server failed: %v", err)
	}
}

func runWorker(cmd *cobra.Command, concurrency int, kindNames []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := requireRedis(cmd, "worker"); err != nil {
		fatal("%v", err)
	}
	store := initStore(cmd)
	defer store.Close()
	broker := initBroker(cmd, "worker")
	defer broker.Close()

	worker := service.NewWorker(store, broker, executor.DefaultRegistry(), log.GetLogger())
	worker.Concurrency = concurrency
	for _, name := range kindNames {
		kind := models.TaskKind(name)
		if !kind.Valid() {
			fatal("unknown task kind %q", name)
		}
		worker.Kinds = append(worker.Kinds, kind)
	}
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		fatal("worker failed: %v", err)
	}
}

func buildService(cmd *cobra.Command, needBroker bool) (*service.WorkflowService, *internal_storage.PostgresStore, queue.Broker) {
	store := initStore(cmd)
	var broker queue.Broker
	if needBroker {
		broker = initBroker(cmd, "cli")
	} else {
		broker = queue.NewMemoryBroker()
	}
	logger := log.GetLogger()
	orchestrator := service.NewOrchestrator(context.Background(), store, broker, logger)
	return service.NewWorkflowService(store, orchestrator, logger), store, broker
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil || dbConnStr == "" {
		fatal("--db connection string (or DATABASE_URL) is required")
	}
	store, err := internal_storage.NewPostgresStore(dbConnStr)
	if err != nil {
		fatal("failed to initialize store: %v", err)
	}
	return store
}

// requireRedis rejects commands that dispatch or cancel work when no
// redis address is configured. Without redis a one-shot command would
// build its own in-process queue, publish into it and exit, leaving
// messages nothing will ever consume; in embedded mode those operations
// belong to the serve process and its HTTP API.
func requireRedis(cmd *cobra.Command, use string) error {
	redisAddr, err := cmd.Flags().GetString("redis")
	if err != nil {
		return err
	}
	if redisAddr == "" {
		return errors.Errorf("%s requires --redis; the embedded queue only exists inside 'serve', use its HTTP API instead", use)
	}
	return nil
}

func initBroker(cmd *cobra.Command, role string) queue.Broker {
	redisAddr, err := cmd.Flags().GetString("redis")
	if err != nil {
		fatal("failed to read redis flag: %v", err)
	}
	if redisAddr == "" {
		return queue.NewMemoryBroker()
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	identity := fmt.Sprintf("dagforge-%s-%s", role, uuid.NewString()[:8])
	return queue.NewRedisBroker(client, identity)
}

func readDefinition(path string) models.Workflow {
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("failed to read definition %s: %v", path, err)
	}
	var wf models.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		fatal("failed to parse definition %s: %v", path, err)
	}
	return wf
}

func printSnapshot(snapshot models.ExecutionSnapshot) {
	e := snapshot.Execution
	fmt.Fprintf(os.Stdout, "Execution %s (workflow %d v%d): %s\n", e.ID, e.WorkflowID, e.WorkflowVersion, e.Status)
	for _, te := range snapshot.Tasks {
		line := fmt.Sprintf("- %s attempt %d: %s", te.TaskKey, te.Attempt, te.Status)
		if te.ErrorMsg != "" {
			line += fmt.Sprintf(" (%s: %s)", te.ErrorKind, te.ErrorMsg)
		}
		fmt.Fprintln(os.Stdout, line)
	}
}

func fatal(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
