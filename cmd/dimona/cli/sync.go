package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hyperlab-be/dimona/internal/dimona"
)

// SyncOptions defines the flags of the sync command.
type SyncOptions struct {
	EmployerID string
	WorkerID   string
	From       string
	To         string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// SyncSummary is the JSON output of the sync command.
type SyncSummary struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
	Key    string `json:"key"`
}

// SyncCommand validates the key and enqueues a sync pass. It returns the
// process exit code.
func (c *JobsCLI) SyncCommand(ctx context.Context, opts SyncOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	key := dimona.SyncKey{
		EmployerID: strings.TrimSpace(opts.EmployerID),
		WorkerID:   strings.TrimSpace(opts.WorkerID),
		From:       strings.TrimSpace(opts.From),
		To:         strings.TrimSpace(opts.To),
	}
	if key.To == "" {
		key.To = key.From
	}
	if key.EmployerID == "" || key.WorkerID == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "dimona sync: --employer and --worker are required")
		return 1
	}
	if _, err := key.Window(time.UTC); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "dimona sync: invalid window %q..%q (expected YYYY-MM-DD)\n", opts.From, key.To)
		return 1
	}
	info, err := c.TriggerSync(ctx, key)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "dimona sync: %v\n", err)
		return 1
	}
	summary := SyncSummary{Key: key.String()}
	if info != nil {
		summary.TaskID = info.ID
		summary.Queue = info.Queue
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "dimona sync: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "enqueued sync %s as task %s on queue %s\n", summary.Key, summary.TaskID, summary.Queue)
	return 0
}

// QueueCommand prints the queue stats and the next scheduled tasks.
func (c *JobsCLI) QueueCommand(ctx context.Context, size int, jsonOutput bool, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	stats, err := c.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "dimona queue: %v\n", err)
		return 1
	}
	scheduled, err := c.ListScheduled(ctx, size)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "dimona queue: %v\n", err)
		return 1
	}
	if jsonOutput {
		type entry struct {
			ID        string    `json:"id"`
			Type      string    `json:"type"`
			Payload   string    `json:"payload"`
			NextRunAt time.Time `json:"next_run_at"`
		}
		out := struct {
			Stats     QueueStats `json:"stats"`
			Scheduled []entry    `json:"scheduled"`
		}{Stats: stats, Scheduled: make([]entry, 0, len(scheduled))}
		for _, info := range scheduled {
			out.Scheduled = append(out.Scheduled, entry{ID: info.ID, Type: info.Type, Payload: string(info.Payload), NextRunAt: info.NextProcessAt})
		}
		if err := json.NewEncoder(stdout).Encode(out); err != nil {
			_, _ = fmt.Fprintf(stderr, "dimona queue: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	for _, info := range scheduled {
		_, _ = fmt.Fprintf(stdout, " - %s %s at %s %s\n", info.ID, info.Type, info.NextProcessAt.Format(time.RFC3339), info.Payload)
	}
	return 0
}
