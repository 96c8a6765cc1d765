package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/usagelens/warehouse/app/pipeline"
	"github.com/usagelens/warehouse/pkg/etl/runner"
	"github.com/usagelens/warehouse/pkg/model"
)

func main() {
	var (
		startFlag = flag.String("start", "", "start date (YYYY-MM-DD)")
		endFlag   = flag.String("end", "", "end date (YYYY-MM-DD)")
		modeFlag  = flag.String("mode", "incremental", "run mode: full or incremental")
		serveFlag = flag.Bool("serve", false, "serve HTTP and run daily on a schedule instead of running once")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := pipeline.Initialize(ctx)

	if *serveFlag {
		if err := app.SetupScheduler(ctx); err != nil {
			app.Logger.Fatal("Unable to set up scheduler", zap.Error(err))
		}
		app.Start(ctx)
		return
	}

	input := runner.RunInput{Mode: runner.Mode(*modeFlag)}
	var err error
	if *startFlag != "" {
		if input.Start, err = model.ParseDate(*startFlag); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if *endFlag != "" {
		if input.End, err = model.ParseDate(*endFlag); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	report, err := app.RunOnce(ctx, input)
	if err != nil {
		app.Logger.Error("Run failed", zap.String("run_id", report.RunID), zap.Error(err))
		os.Exit(1)
	}
	if report.Blocked {
		app.Logger.Warn("Run blocked by quality gate",
			zap.String("run_id", report.RunID),
			zap.Strings("partitions", report.BlockedPartitions))
		os.Exit(3)
	}
}
