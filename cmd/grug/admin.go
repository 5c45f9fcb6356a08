package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"grug/internal/app"
	"grug/internal/config"
	"grug/internal/jobsync"
	"grug/internal/occurrence"
	"grug/internal/task/jobstore"
	"grug/internal/task/scheduler"
	logx "grug/pkg/logx"
)

// admin is a short-lived handle on the stores for one CLI command.
type admin struct {
	cfg    *config.Config
	stores *app.Stores
	jobs   *jobstore.Store
	repo   *occurrence.Repository
	// sync is flushed inline after domain writes so the job store sees
	// them before the command returns.
	sync *jobsync.Controller
}

func openAdmin(ctx context.Context, cfgPath string) (*admin, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	log := logx.NewConsole("warn")
	stores, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	// No executor: admin commands never run the fire loop.
	jobs := jobstore.New(stores.Jobs, jobstore.NewRegistry(), nil, jobstore.Config{}, jobstore.WithLogger(log))
	repo := occurrence.New(occurrence.WithDefaultTimezone(cfg.Timezone), occurrence.WithLogger(log))
	ctl := jobsync.New(stores.Domain, repo, scheduler.Attach(jobs, scheduler.WithLogger(log)), jobsync.Config{}, jobsync.WithLogger(log))
	stores.Domain.OnCommit(ctl.Enqueue)
	return &admin{cfg: cfg, stores: stores, jobs: jobs, repo: repo, sync: ctl}, nil
}

func (a *admin) Close() error { return a.stores.Close() }

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func printSchedules(w io.Writer, list []jobstore.Schedule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tTRIGGER\tPAUSED\tNEXT\tLAST")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", s.ID, s.TaskRef, s.Trigger, s.Paused, fmtTime(s.NextFireTime), fmtTime(s.LastFireTime))
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var stdout io.Writer = os.Stdout
