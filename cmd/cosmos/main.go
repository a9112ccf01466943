// Command cosmos is the composition root: it loads config from the
// environment, opens the store, wires the local DRM driver, JobManager,
// Scheduler and Controller, replays a DAG spec read from stdin or a file,
// and drives one Workflow through to completion or termination. Grounded
// on the teacher's cmd/main.go shape (init logger, init config, wire
// services, block on the run), rebuilt for this domain: there is no HTTP
// server here, the embedded viewer and CLI surface being out of scope
// (spec §1/§6) -- this binary is the thin driver the core engine needs to
// be exercised end to end.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/egafni/cosmos/internal/controller"
	"github.com/egafni/cosmos/internal/cosmoserr"
	"github.com/egafni/cosmos/internal/cosmoslog"
	"github.com/egafni/cosmos/internal/domain"
	"github.com/egafni/cosmos/internal/drm/localdrm"
	"github.com/egafni/cosmos/internal/envconfig"
	"github.com/egafni/cosmos/internal/jobmanager"
	"github.com/egafni/cosmos/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	log, err := cosmoslog.New(envconfig.String("COSMOS_LOG_MODE", "dev"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	db, err := store.Open(store.Config{
		Driver: envconfig.String("COSMOS_DB_DRIVER", "sqlite"),
		DSN:    envconfig.String("COSMOS_DB_DSN", ""),
	}, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return 1
	}

	workflowRepo := store.NewWorkflowRepo(db)
	stageRepo := store.NewStageRepo(db)
	taskRepo := store.NewTaskRepo(db)
	edgeRepo := store.NewTaskEdgeRepo(db)
	fileRepo := store.NewTaskFileRepo(db)
	tagRepo := store.NewTaskTagRepo(db)
	attemptRepo := store.NewJobAttemptRepo(db)

	driver := localdrm.New(log, int64(envconfig.Int("COSMOS_MAX_CONCURRENT_JOBS", 4)))
	jm := jobmanager.New(db, log, attemptRepo, driver, jobmanager.DefaultConfig())

	ctrl := controller.New(controller.Deps{
		DB:           db,
		Log:          log,
		WorkflowRepo: workflowRepo,
		StageRepo:    stageRepo,
		TaskRepo:     taskRepo,
		EdgeRepo:     edgeRepo,
		FileRepo:     fileRepo,
		TagRepo:      tagRepo,
		AttemptRepo:  attemptRepo,
		JobManager:   jm,
		Driver:       driver,
	})

	name := envconfig.String("COSMOS_WORKFLOW_NAME", "")
	if name == "" {
		log.Error("COSMOS_WORKFLOW_NAME is required")
		return 1
	}
	mode := domain.StartMode(envconfig.String("COSMOS_MODE", string(domain.ModeCreate)))

	ctx := context.Background()
	opts := controller.StartOptions{
		RootOutputDir:            envconfig.String("COSMOS_OUTPUT_DIR", "./cosmos-output"),
		DefaultQueue:             envconfig.String("COSMOS_DEFAULT_QUEUE", ""),
		MaxReattempts:            envconfig.Int("COSMOS_MAX_REATTEMPTS", 3),
		DryRun:                   envconfig.Bool("COSMOS_DRY_RUN", false),
		DeleteIntermediates:      envconfig.Bool("COSMOS_DELETE_INTERMEDIATES", false),
		DeleteUnsuccessfulStages: envconfig.Bool("COSMOS_DELETE_UNSUCCESSFUL_STAGES", false),
		PromptConfirm:            confirmOnStdin,
	}

	if _, err := ctrl.Start(ctx, name, mode, opts); err != nil {
		log.Error("failed to start workflow", "error", err)
		return 1
	}

	if mode == domain.ModeCreate || mode == domain.ModeRestart {
		spec, err := readDAGSpec(envconfig.String("COSMOS_DAG_SPEC", ""))
		if err != nil {
			log.Error("failed to read dag spec", "error", err)
			return 1
		}
		if err := buildDAG(ctx, ctrl, spec); err != nil {
			log.Error("failed to build dag", "error", err)
			return 1
		}
	}

	terminateOnFail := envconfig.Bool("COSMOS_TERMINATE_ON_FAIL", true)
	if err := ctrl.Run(ctx, terminateOnFail, true); err != nil {
		log.Error("workflow run failed", "error", err)
		if cosmoserr.IsKind(err, cosmoserr.Validation) {
			return 2
		}
		return 1
	}

	if ctrl.Terminated() {
		log.Warn("workflow terminated", "name", ctrl.Workflow().Name)
		return 1
	}
	log.Info("workflow finished", "name", ctrl.Workflow().Name)
	return 0
}

// readDAGSpec reads a dagSpec as JSON from path, or from stdin if path is
// empty (the DSL->engine handoff of spec §6; the DSL itself is out of
// scope, this binary only consumes what it produces).
func readDAGSpec(path string) (dagSpec, error) {
	var spec dagSpec
	var r *bufio.Reader
	if path == "" {
		r = bufio.NewReader(os.Stdin)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return spec, err
		}
		defer f.Close()
		r = bufio.NewReader(f)
	}
	dec := json.NewDecoder(r)
	if err := dec.Decode(&spec); err != nil {
		return spec, fmt.Errorf("decode dag spec: %w", err)
	}
	return spec, nil
}

// confirmOnStdin is the restart-mode prompt (§4.1): "restart" on an
// existing workflow wipes it, so the composition root asks before
// letting the Controller proceed.
func confirmOnStdin(msg string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", msg)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch line {
	case "y\n", "Y\n", "yes\n":
		return true
	default:
		return false
	}
}
