package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"attribution-pipeline/services/deadletter"
)

type commands interface {
	List(ctx context.Context, queueName string, status deadletter.Status, limit int) ([]deadletter.Record, error)
	RequestReplay(ctx context.Context, queueName, jobID string) error
	RequestReplayAll(ctx context.Context, queueName string, limit int) (int, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

var errUsage = errors.New("usage: deadletter [flags] list|replay|replay-all|purge")

func run(ctx context.Context, svc commands, cmd string, o *options, w io.Writer) error {
	switch cmd {
	case "list":
		recs, err := svc.List(ctx, o.queue, deadletter.Status(o.status), o.limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "QUEUE\tJOB\tKIND\tSTATUS\tATTEMPTS\tREPLAYS\tCREATED\tREASON")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				r.Queue, r.JobID, r.Kind, r.Status, r.Attempts, r.ReplayCount,
				r.CreatedAt.UTC().Format(time.RFC3339), r.Reason)
		}
		return tw.Flush()

	case "replay":
		if o.queue == "" || o.job == "" {
			return errors.New("replay needs -queue and -job")
		}
		if err := svc.RequestReplay(ctx, o.queue, o.job); err != nil {
			return err
		}
		fmt.Fprintf(w, "replay requested for %s/%s\n", o.queue, o.job)
		return nil

	case "replay-all":
		if o.queue == "" {
			return errors.New("replay-all needs -queue")
		}
		n, err := svc.RequestReplayAll(ctx, o.queue, o.limit)
		fmt.Fprintf(w, "replay requested for %d record(s)\n", n)
		return err

	case "purge":
		var (
			n   int64
			err error
		)
		if o.before > 0 {
			n, err = svc.Purge(ctx, time.Now().Add(-o.before))
		} else {
			n, err = svc.PurgeExpired(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "purged %d record(s)\n", n)
		return nil
	}
	return errUsage
}
