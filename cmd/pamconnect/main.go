// Command pamconnect computes every configured connection of a scene and
// prints a summary of each result.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pam-connect/server/internal/config"
	"github.com/pam-connect/server/internal/data/scene"
	"github.com/pam-connect/server/internal/service"
	"github.com/pam-connect/server/internal/store"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	scenePath := flag.String("scene", "", "Scene file (overrides scene.path)")
	workers := flag.Int("workers", service.WorkersSequential, "Workers: 0 for one per CPU, -1 sequential (overrides engine.workers)")
	seed := flag.Int64("seed", 0, "Global random seed (overrides engine.seed)")
	storePath := flag.String("store", "", "Persist results to this SQLite file")
	debug := flag.Bool("debug", false, "Keep partial paths of failed chains")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "scene":
			cfg.Scene.Path = *scenePath
		case "workers":
			cfg.Engine.Workers = *workers
		case "seed":
			cfg.Engine.Seed = *seed
		case "debug":
			cfg.Engine.Debug = *debug
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if len(cfg.Connections) == 0 {
		log.Fatalf("No connections configured in %s", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *storePath, os.Stdout); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, storePath string, out io.Writer) error {
	sc, err := scene.Load(cfg.Scene.Path)
	if err != nil {
		return fmt.Errorf("loading scene: %w", err)
	}
	model, err := cfg.BuildModel(sc, nil)
	if err != nil {
		return fmt.Errorf("building model: %w", err)
	}

	var st *store.Store
	if storePath != "" {
		st, err = store.NewStore(storePath)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONNECTION\tROWS\tSYNAPSES\tCONNECTED\tUNCONNECTED\tFAILED ROWS\tMEAN DISTANCE\tERRORS")

	ro := model.RunDefaults()
	ro.Progress = func(phase string, done, total int) {
		if done == total {
			log.Printf("[pamconnect] %s: %d/%d", phase, done, total)
		}
	}
	for i, spec := range model.Connections() {
		start := time.Now()
		res, err := model.Compute(ctx, i, ro)
		if err != nil {
			return fmt.Errorf("connection %s: %w", spec.Label(), err)
		}
		log.Printf("[pamconnect] %s computed in %v", spec.Label(), time.Since(start).Round(time.Millisecond))

		if st != nil {
			if err := persist(st, i, ro, res); err != nil {
				return fmt.Errorf("connection %s: %w", spec.Label(), err)
			}
		}

		s := res.Summary()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.4f\t%d\n",
			spec.Label(), s.Rows, s.Cols, s.Connected, s.Unconnected, s.FailedRows, s.MeanDistance, s.Errors)
	}
	return tw.Flush()
}

// persist stores res as a completed run.
func persist(st *store.Store, index int, ro service.RunOptions, res *service.Result) error {
	b := make([]byte, 8)
	rand.Read(b)
	run := &store.Run{
		ID:         hex.EncodeToString(b),
		Connection: res.Connection,
		Status:     store.RunStatusQueued,
		Params:     store.RunParams{Connection: index, Name: res.Connection, Workers: ro.Workers, Seed: ro.Seed},
		CreatedAt:  time.Now(),
	}
	if err := st.CreateRun(run); err != nil {
		return err
	}
	if err := st.UpdateRunStarted(run.ID); err != nil {
		return err
	}
	if err := st.InsertResult(run.ID, res); err != nil {
		return err
	}
	log.Printf("[pamconnect] stored %s as run %s", res.Connection, run.ID)
	return st.UpdateRunStatus(run.ID, store.RunStatusCompleted, "")
}
