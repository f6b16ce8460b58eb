package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/planforge/internal/cli"
	"github.com/ChuLiYu/planforge/internal/config"
	"github.com/ChuLiYu/planforge/internal/logger"
	"github.com/ChuLiYu/planforge/pkg/types"
)

// Usage: go run ./cmd/demo <start|recover>
//
// start generates and exports every seeded plan in-process; press Ctrl+C
// while jobs are still running to leave them in the journal. recover opens
// the same journal and shows how those jobs came back.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	zl, err := logger.New(cfg.Log.Mode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := cli.NewApp(ctx, cfg, zl)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer app.Close(context.Background())
	fmt.Printf("✓ planforge started (mode: %s)\n", mode)

	plans := app.Stores.Plans.List(ctx)
	switch mode {
	case "start":
		for _, p := range plans {
			job, err := app.Controller.StartGeneration(ctx, p.ID)
			if err != nil {
				fmt.Printf("  %s: %v\n", p.ID, err)
				continue
			}
			fmt.Printf("✓ %s: generation job %s queued\n", p.ID, job.ID)
		}
		fmt.Printf("\n💡 Press Ctrl+C now to interrupt running jobs, then run 'recover'\n\n")

		for _, p := range plans {
			if !waitPlan(ctx, app, p.ID) {
				fmt.Println("\nReceived shutdown signal, stopping...")
				return
			}
			job, err := app.Controller.StartExport(ctx, p.ID, types.FormatPackage, true)
			if err != nil {
				fmt.Printf("  %s: export: %v\n", p.ID, err)
				continue
			}
			fmt.Printf("✓ %s: export job %s queued\n", p.ID, job.ID)
		}
	case "recover":
		// nothing to submit: the jobs below came out of the journal
	default:
		log.Fatalf("unknown mode %q", mode)
	}

	printJobs(ctx, app, plans)
	<-ctx.Done()
	fmt.Println("\nReceived shutdown signal, stopping...")
}

// waitPlan polls until planID leaves generating. It returns false when ctx ends first.
func waitPlan(ctx context.Context, app *cli.App, planID types.PlanID) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		p, err := app.Controller.PlanStatus(ctx, planID)
		if err != nil || p.Status != types.PlanGenerating {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func printJobs(ctx context.Context, app *cli.App, plans []types.Plan) {
	fmt.Printf("\n📊 Jobs:\n")
	for _, p := range plans {
		current, err := app.Controller.PlanStatus(ctx, p.ID)
		if err != nil {
			continue
		}
		fmt.Printf("  %s  status=%s completion=%d\n", p.ID, current.Status, current.CompletionScore)
		for _, j := range app.Controller.Jobs(p.ID) {
			fmt.Printf("    %-8s %-9s %s %s\n", j.Kind, j.State, j.ID, j.Error)
		}
	}
	fmt.Printf("\nRunner stats: %v\n", app.Runner.Stats())
}
