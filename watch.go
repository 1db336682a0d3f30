package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/taskwatch/internal/api"
	"github.com/tonimelisma/taskwatch/internal/journal"
	"github.com/tonimelisma/taskwatch/internal/poll"
	"github.com/tonimelisma/taskwatch/internal/realtime"
)

func newJobsWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [id]",
		Short: "Watch the job list, or one job, and print changes as they happen",
		Long: `Watch the job list, or one job when an id is given. Changes are detected by
polling and nudged by the realtime socket when it is enabled. Every change is
recorded in the local journal (see 'taskwatch history').`,
		Args: cobra.MaximumNArgs(1),
		RunE: runJobsWatch,
	}

	cmd.Flags().Duration("interval", 0, "poll interval (overrides poll_interval)")
	cmd.Flags().Bool("no-realtime", false, "poll only, without the realtime socket")
	cmd.Flags().Bool("no-journal", false, "do not record changes in the journal")

	return cmd
}

// changeRecorder is the slice of the journal the watcher writes to.
type changeRecorder interface {
	Record(ctx context.Context, key, fingerprint string, payload any) (journal.Entry, bool, error)
}

// watchEvent is one line of `jobs watch --json` output.
type watchEvent struct {
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	ObservedAt time.Time `json:"observed_at"`
	Payload    any       `json:"payload"`
}

// Change kinds for watch output.
const (
	kindSnapshot = "snapshot"
	kindAdded    = "added"
	kindChanged  = "changed"
	kindRemoved  = "removed"
	kindStatus   = "status"
)

// watcher renders poll deliveries. Callbacks arrive on poller goroutines, so
// output and the previous-state fields are guarded by mu.
type watcher struct {
	mu      sync.Mutex
	out     io.Writer
	asJSON  bool
	journal changeRecorder
	logger  *slog.Logger
	nowFunc func() time.Time

	ctx        context.Context
	prevJobs   []api.Job
	seenJobs   bool
	prevDetail *api.JobDetail
}

func newWatcher(ctx context.Context, out io.Writer, asJSON bool, rec changeRecorder, logger *slog.Logger) *watcher {
	return &watcher{
		ctx:     ctx,
		out:     out,
		asJSON:  asJSON,
		journal: rec,
		logger:  logger,
		nowFunc: time.Now,
	}
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	key := realtime.JobsKey

	var id api.JobID

	if len(args) == 1 {
		var err error
		if id, err = api.ParseJobID(args[0]); err != nil {
			return err
		}

		key = realtime.JobKey(id)
	}

	interval, err := cmd.Flags().GetDuration("interval")
	if err != nil {
		return err
	}

	if interval <= 0 {
		interval = cc.Cfg.PollIntervalDuration()
	}

	noRealtime, err := cmd.Flags().GetBool("no-realtime")
	if err != nil {
		return err
	}

	noJournal, err := cmd.Flags().GetBool("no-journal")
	if err != nil {
		return err
	}

	sess, err := newSession(cc.Cfg, logger)
	if err != nil {
		return err
	}

	if err := sess.requireLogin(); err != nil {
		return err
	}

	ctx, stop := interruptContext(cmd.Context(), logger, "watching "+key)
	defer stop()

	var rec changeRecorder

	if !noJournal {
		j, err := openJournal(ctx, cc.Cfg, logger)
		if err != nil {
			return err
		}
		defer j.Close()

		rec = j
	}

	w := newWatcher(ctx, cmd.OutOrStdout(), cc.Flags.JSON, rec, logger)

	poller := poll.New(logger,
		poll.WithDegradedAfter(cc.Cfg.DegradedAfter),
		poll.WithStatusHook(w.onStatus),
	)
	defer poller.Close()

	g, gctx := errgroup.WithContext(ctx)

	if key == realtime.JobsKey {
		err = poll.Subscribe(gctx, poller, key, sess.Client.ListJobs, interval, w.onJobs)
	} else {
		err = poll.Subscribe(gctx, poller, key,
			func(ctx context.Context) (*api.JobDetail, error) {
				return sess.Client.JobDetail(ctx, id)
			},
			interval, w.onJob)
	}

	if err != nil {
		if interrupted(ctx) {
			return nil
		}

		return err
	}

	cc.Statusf("Watching %s every %s. Press Ctrl-C to stop.\n", key, interval)

	g.Go(func() error {
		return sess.Store.Watch(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sess.Store.LoginRequired():
			return fmt.Errorf("watching %s: %w", key, api.ErrAuthExpired)
		}
	})

	if cc.Cfg.Realtime && !noRealtime {
		wsURL, err := realtimeURL(cc.Cfg)
		if err != nil {
			return err
		}

		rt := realtime.New(wsURL, sess.Client, poller, logger, interval)

		g.Go(func() error {
			return rt.Run(gctx)
		})
	}

	err = g.Wait()

	// Ctrl-C is how a watch normally ends.
	if interrupted(ctx) {
		cc.Statusf("Stopped watching %s.\n", key)
		return nil
	}

	if err != nil {
		return err
	}

	logger.Debug("watch stopped", slog.String("key", key))

	return nil
}

// onJobs handles a jobs-list delivery: a full table the first time, then
// one line per added, changed, or removed job.
func (w *watcher) onJobs(key string, jobs []api.Job) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.record(key, jobs)

	if !w.seenJobs {
		w.seenJobs = true
		w.prevJobs = jobs

		if w.asJSON {
			w.emit(key, kindSnapshot, jobs)
			return
		}

		if len(jobs) == 0 {
			fmt.Fprintln(w.out, "No jobs yet.")
			return
		}

		printJobsTable(w.out, jobs)

		return
	}

	diff, err := poll.DiffByKey(w.prevJobs, jobs, func(j api.Job) string { return j.ID.String() })
	w.prevJobs = jobs

	if err != nil {
		w.logger.Warn("diffing jobs failed", slog.String("error", err.Error()))
		return
	}

	for i := range diff.Added {
		w.jobLine(key, kindAdded, "+", &diff.Added[i])
	}

	for i := range diff.Changed {
		w.jobLine(key, kindChanged, "~", &diff.Changed[i])
	}

	for i := range diff.Removed {
		w.jobLine(key, kindRemoved, "-", &diff.Removed[i])
	}
}

func (w *watcher) jobLine(key, kind, mark string, j *api.Job) {
	if w.asJSON {
		w.emit(key, kind, j)
		return
	}

	line := fmt.Sprintf("%s %s job %s  %s", w.stamp(), mark, j.ID, statusLabel(j.Status))

	if p := formatProgress(j.Progress); kind != kindRemoved && p != "-" {
		line += "  " + p
	}

	if j.Query != "" {
		line += "  " + truncate(j.Query, maxQueryWidth)
	}

	fmt.Fprintln(w.out, line)
}

// onJob handles a single-job delivery: full detail the first time, then the
// fields that moved.
func (w *watcher) onJob(key string, d *api.JobDetail) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.record(key, d)

	prev := w.prevDetail
	w.prevDetail = d

	if d == nil {
		return
	}

	if w.asJSON {
		kind := kindChanged
		if prev == nil {
			kind = kindSnapshot
		}

		w.emit(key, kind, d)

		return
	}

	if prev == nil {
		printJobDetail(w.out, d)
		return
	}

	if prev.Status != d.Status {
		fmt.Fprintf(w.out, "%s status: %s -> %s\n", w.stamp(), statusLabel(prev.Status), statusLabel(d.Status))
	}

	if prev.Progress != d.Progress {
		fmt.Fprintf(w.out, "%s progress: %s\n", w.stamp(), formatProgress(d.Progress))
	}

	if d.Error != "" && prev.Error != d.Error {
		fmt.Fprintf(w.out, "%s error: %s\n", w.stamp(), d.Error)
	}

	if len(d.Results) != len(prev.Results) {
		fmt.Fprintf(w.out, "%s results: %d\n", w.stamp(), len(d.Results))
	}

	if d.Summary != "" && prev.Summary != d.Summary {
		fmt.Fprintf(w.out, "%s summary updated\n\n%s\n\n", w.stamp(), d.Summary)
	}
}

// onStatus reports a subscription going degraded or recovering.
func (w *watcher) onStatus(key string, status poll.Status, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.asJSON {
		payload := map[string]string{"status": status.String()}
		if err != nil {
			payload["error"] = err.Error()
		}

		w.emit(key, kindStatus, payload)

		return
	}

	if err != nil {
		fmt.Fprintf(w.out, "%s ! %s %s: %v\n", w.stamp(), key, status, err)
		return
	}

	fmt.Fprintf(w.out, "%s ! %s %s\n", w.stamp(), key, status)
}

func (w *watcher) record(key string, payload any) {
	if w.journal == nil {
		return
	}

	fp, err := poll.Fingerprint(payload)
	if err != nil {
		w.logger.Warn("fingerprinting delivery failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}

	if _, _, err := w.journal.Record(w.ctx, key, fp, payload); err != nil {
		w.logger.Warn("journal record failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (w *watcher) emit(key, kind string, payload any) {
	data, err := json.Marshal(watchEvent{Key: key, Kind: kind, ObservedAt: w.nowFunc().UTC(), Payload: payload})
	if err != nil {
		w.logger.Warn("encoding watch event failed", slog.String("error", err.Error()))
		return
	}

	fmt.Fprintln(w.out, string(data))
}

func (w *watcher) stamp() string {
	return w.nowFunc().Format("15:04:05")
}
