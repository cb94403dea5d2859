// Command deadletter inspects and replays archived dead letters.
//
//	deadletter [flags] list|replay|replay-all|purge
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"

	"attribution-pipeline/pkg/config"
	"attribution-pipeline/pkg/db"
	"attribution-pipeline/pkg/gen"
	"attribution-pipeline/pkg/logger"
	"attribution-pipeline/pkg/redis"
	"attribution-pipeline/pkg/task"
	"attribution-pipeline/services/deadletter"
)

func main() {
	fs := flag.NewFlagSet("deadletter", flag.ExitOnError)
	opts := bindFlags(fs)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: deadletter [flags] list|replay|replay-all|purge")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	var svc *deadletter.Service
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		fx.Provide(deadletter.Provide),
		fx.Populate(&svc),
		fx.NopLogger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}
	err := run(ctx, svc, fs.Arg(0), opts, os.Stdout)
	if stopErr := app.Stop(context.Background()); stopErr != nil && err == nil {
		err = stopErr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	queue   string
	job     string
	status  string
	limit   int
	before  time.Duration
	timeout time.Duration
}

func bindFlags(fs *flag.FlagSet) *options {
	o := &options{}
	fs.StringVar(&o.queue, "queue", "", "queue name (events, attribution, analytics)")
	fs.StringVar(&o.job, "job", "", "job id, for replay")
	fs.StringVar(&o.status, "status", "", "filter list by status (archived, replay_requested, replayed)")
	fs.IntVar(&o.limit, "limit", 100, "max records to list or replay")
	fs.DurationVar(&o.before, "older-than", 0, "purge records older than this; defaults to the configured retention")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "overall command timeout")
	return o
}
