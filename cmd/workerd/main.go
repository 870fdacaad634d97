// Command workerd runs a single subtask-execution worker: it admits
// subtasks for one (worker, band) pair, estimates their memory footprint,
// runs them in-process, and reports results to a supervisor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flowmesh/workercore/adapters"
	"github.com/flowmesh/workercore/band"
	"github.com/flowmesh/workercore/config"
	"github.com/flowmesh/workercore/coordinator"
	"github.com/flowmesh/workercore/memadapters"
	"github.com/flowmesh/workercore/processor"
	"github.com/flowmesh/workercore/storage"
	"github.com/flowmesh/workercore/subtask"
	"github.com/flowmesh/workercore/telemetry"
	"github.com/flowmesh/workercore/transport"
	"github.com/flowmesh/workercore/xlog"
)

var (
	configPath string
	bandWorker string
	bandName   string
	serveAddr  string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "workerd",
		Short: "Worker-side subtask execution core",
		Long: `workerd admits, estimates, runs, and retries subtasks for one
worker/band, serving results over HTTP to a supervisor.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (defaults + env vars apply if omitted)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the worker HTTP endpoint and accept subtasks",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&bandWorker, "band-worker", "worker-0", "This worker's identity")
	cmd.Flags().StringVar(&bandName, "band-name", "numa-0", "The band (resource pool) this worker advertises")
	cmd.Flags().StringVar(&serveAddr, "listen", "", "Override the configured transport.listen_addr")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintln(os.Stdout, "workerd (dev build)")
		},
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveAddr != "" {
		cfg.Transport.ListenAddr = serveAddr
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log := xlog.New(level)

	store, err := storage.NewTieredStore(cfg.Storage.DataDir, cfg.Storage.MaxMemoryBytes)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	meta := memadapters.NewInMemoryMeta()
	workerMeta := memadapters.NewInMemoryMeta()
	b := subtask.Band{Worker: bandWorker, Name: bandName}

	var taskAPI adapters.TaskAPI
	if cfg.Transport.SupervisorAddress != "" {
		taskAPI = transport.NewHTTPTaskAPI(cfg.Transport.SupervisorAddress)
	} else {
		taskAPI = memadapters.NewInMemoryTaskAPI()
	}

	metrics := telemetry.New()

	// The in-process subtask runner only needs the collaborators a
	// processor touches; build its Deps directly rather than threading
	// it through a throwaway Coordinator just to reach UseProcessor.
	localAPI := processor.NewLocalSubtaskAPI(processor.Deps{
		Storage:    store,
		Meta:       meta,
		WorkerMeta: workerMeta,
		Task:       taskAPI,
		Optimizer:  processor.IdentityOptimizer{},
		Log:        log,
	})

	co := coordinator.New(coordinator.Deps{
		Storage:      store,
		Meta:         meta,
		WorkerMeta:   workerMeta,
		SubtaskAPI:   localAPI,
		SlotManager:  band.NewInMemorySlotManager(b, cfg.Band.SlotCount),
		QuotaManager: band.NewInMemoryQuotaManager(cfg.Band.QuotaBudgetBytes),
		TaskAPI:      taskAPI,
		Metrics:      metrics,
		Log:          log,
	}, coordinator.Config{
		MaxRetries:         cfg.Coordinator.SubtaskMaxRetries,
		EnableKillSlot:     cfg.Coordinator.EnableKillSlot,
		DataPrepareTimeout: cfg.Coordinator.DataPrepareTimeout,
		KillTimeout:        cfg.Coordinator.KillTimeout,
	})

	// Stand-in supervisor endpoint: a real supervisor reports its own
	// results over transport.HTTPTaskAPI, but this lets a local
	// integration harness observe them without standing up a second
	// process.
	srv := transport.NewServer(func(ctx context.Context, w transport.WireResult) error {
		log.Info("result received", "subtask_id", w.SubtaskID, "status", w.Status)
		return nil
	}, log)

	router := srv.Router()
	router.HandleFunc("/subtasks", func(w http.ResponseWriter, r *http.Request) {
		handleSubmit(w, r, b, co, taskAPI, log)
	}).Methods(http.MethodPost)
	router.HandleFunc("/subtasks/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := pathVar(r, "id")
		co.CancelSubtask(id, cfg.Coordinator.KillTimeout)
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	httpServer := &http.Server{
		Addr:              cfg.Transport.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("workerd listening", "addr", cfg.Transport.ListenAddr, "band", bandWorker+"/"+bandName)
	return httpServer.ListenAndServe()
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

// handleSubmit decodes a transport.WireSubtask and admits it onto co.
// RunSubtask blocks until the subtask reaches a terminal status, so it
// runs on its own goroutine; the submitting supervisor gets back a 202
// immediately and the terminal result arrives later over taskAPI, the
// same path a remote supervisor already expects results on.
func handleSubmit(w http.ResponseWriter, r *http.Request, b subtask.Band, co *coordinator.Coordinator, taskAPI adapters.TaskAPI, log *xlog.Logger) {
	var wire transport.WireSubtask
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, fmt.Sprintf("decode subtask: %v", err), http.StatusBadRequest)
		return
	}

	st, err := wire.ToSubtask(b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	go func() {
		result, err := co.RunSubtask(context.Background(), st, "")
		if err != nil {
			log.Error("subtask admission rejected", "subtask_id", st.ID, "error", err)
			return
		}
		if err := taskAPI.SetSubtaskResult(context.Background(), result); err != nil {
			log.Error("report subtask result failed", "subtask_id", st.ID, "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}
