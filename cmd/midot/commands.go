package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/config"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <source_id> <file>",
	Short: "Record a captured snapshot and queue it if the image changed",
	Long: `Record a captured snapshot and queue it for detection if its content
differs from the previous snapshot of the same camera.

Examples:
  midot ingest cam-7 ./captures/cam-7/0930.jpg
  midot ingest cam-7 ./0930.jpg --captured-at 2025-06-01T09:30:00Z`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		capturedAt, _ := cmd.Flags().GetString("captured-at")
		if capturedAt != "" {
			if _, err := time.Parse(time.RFC3339, capturedAt); err != nil {
				return fmt.Errorf("--captured-at must be RFC3339: %w", err)
			}
		}

		// The server resolves paths itself, so send an absolute one.
		path, err := filepath.Abs(args[1])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		req := map[string]any{
			"source_id": args[0],
			"file_path": path,
		}
		if capturedAt != "" {
			req["captured_at"] = capturedAt
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/snapshots", req)
		if err != nil {
			return err
		}

		var result struct {
			Snapshot struct {
				ID      string `json:"id"`
				Changed bool   `json:"changed"`
			} `json:"snapshot"`
			Enqueued bool `json:"enqueued"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		switch {
		case result.Enqueued:
			printSuccess("Snapshot %s queued for detection", result.Snapshot.ID)
		case !result.Snapshot.Changed:
			printStatus("Unchanged", "snapshot %s matches the previous capture, not queued", result.Snapshot.ID)
		default:
			printWarning("Snapshot %s recorded but not queued", result.Snapshot.ID)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("captured-at", "", "capture time, RFC3339 (default: now)")
}

// --- enqueue / analyze / run ---

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <snapshot_id>",
	Short: "Queue a snapshot for the next analysis pass",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/snapshots/"+url.PathEscape(args[0])+"/enqueue", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Queued snapshot %s", args[0])
		return nil
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <snapshot_id>",
	Short: "Run vehicle detection on one snapshot now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Analyzing snapshot %s...", args[0])
		resp, err := client.post(cmd.Context(), "/snapshots/"+url.PathEscape(args[0])+"/analyze", nil)
		if err != nil {
			return err
		}
		var d map[string]any
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		if d["status"] == "failed" {
			printError("Analysis failed: %v", d["last_error"])
		} else {
			printSuccess("Analysis %v", d["status"])
		}
		return printJSON(os.Stdout, d)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an analysis pass over the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/analysis/run"
		if wait {
			path += "?wait=true"
			printStep("Running analysis pass...")
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		if !wait {
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Analysis pass triggered")
			return nil
		}

		var res struct {
			Reclaimed  int   `json:"reclaimed"`
			Batches    int   `json:"batches"`
			Processed  int   `json:"processed"`
			Completed  int   `json:"completed"`
			Failed     int   `json:"failed"`
			Retries    int   `json:"retries"`
			DurationNS int64 `json:"duration_ns"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Pass finished in %s", time.Duration(res.DurationNS).Round(time.Millisecond))
		printStatus("Processed", "%d in %d batches", res.Processed, res.Batches)
		printStatus("Completed", "%d", res.Completed)
		printStatus("Failed", "%d", res.Failed)
		printStatus("Retries", "%d", res.Retries)
		if res.Reclaimed > 0 {
			printStatus("Reclaimed", "%d stale records", res.Reclaimed)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("wait", false, "run the pass in the foreground and print its result")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show detection statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"source", "from", "to"} {
			v, _ := cmd.Flags().GetString(name)
			if v == "" {
				continue
			}
			key := name
			if name == "source" {
				key = "source_id"
			} else if _, err := time.Parse(time.RFC3339, v); err != nil {
				return fmt.Errorf("--%s must be RFC3339: %w", name, err)
			}
			q.Set(key, v)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/stats"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var st struct {
			Total         int     `json:"total"`
			Pending       int     `json:"pending"`
			Queued        int     `json:"queued"`
			Processing    int     `json:"processing"`
			Completed     int     `json:"completed"`
			Failed        int     `json:"failed"`
			AvgConfidence float64 `json:"avg_confidence"`
			TotalDetected int     `json:"total_detected"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("Records", "%d", st.Total)
		printStatus("Pending", "%d", st.Pending)
		printStatus("Queued", "%d", st.Queued)
		printStatus("Processing", "%d", st.Processing)
		printStatus("Completed", "%d", st.Completed)
		printStatus("Failed", "%d", st.Failed)
		printStatus("Avg confidence", "%.3f", st.AvgConfidence)
		printStatus("Vehicles detected", "%d", st.TotalDetected)
		return nil
	},
}

func init() {
	statsCmd.Flags().String("source", "", "restrict to one camera")
	statsCmd.Flags().String("from", "", "inclusive lower bound on record creation, RFC3339")
	statsCmd.Flags().String("to", "", "exclusive upper bound on record creation, RFC3339")
}

// --- detections ---

var detectionsCmd = &cobra.Command{
	Use:   "detections",
	Short: "Inspect detection records",
}

var detectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List detection records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		if status != "" {
			q.Set("status", status)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/detections?"+q.Encode())
		if err != nil {
			return err
		}

		var rows []detectionRow
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No detections found.")
			return nil
		}
		for _, d := range rows {
			fmt.Println(formatDetectionRow(d))
		}
		return nil
	},
}

var detectionsShowCmd = &cobra.Command{
	Use:   "show <snapshot_id>",
	Short: "Show a detection record with its bounding boxes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/detections/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var d any
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		return printJSON(os.Stdout, d)
	},
}

var detectionsResetCmd = &cobra.Command{
	Use:   "reset <snapshot_id>",
	Short: "Return a detection record to the queue with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/detections/"+url.PathEscape(args[0])+"/reset", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Reset detection for snapshot %s", args[0])
		return nil
	},
}

func init() {
	detectionsListCmd.Flags().String("status", "", "filter by status (pending, queued, processing, completed, failed)")
	detectionsListCmd.Flags().Int("limit", 20, "maximum number of records to list")
	detectionsListCmd.Flags().Int("offset", 0, "number of records to skip")
	detectionsCmd.AddCommand(detectionsListCmd)
	detectionsCmd.AddCommand(detectionsShowCmd)
	detectionsCmd.AddCommand(detectionsResetCmd)
}

// --- purge ---

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete snapshots and their detections captured before a cutoff",
	Long: `Delete snapshots and their detections captured before a cutoff.

--before takes an RFC3339 time or a duration counted back from now.

Examples:
  midot purge --before 2025-01-01T00:00:00Z --confirm
  midot purge --before 720h --confirm`,
	RunE: func(cmd *cobra.Command, args []string) error {
		beforeStr, _ := cmd.Flags().GetString("before")
		if beforeStr == "" {
			return fmt.Errorf("--before is required")
		}
		before, err := parseBefore(beforeStr, time.Now())
		if err != nil {
			return err
		}

		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete every snapshot captured before %s. Use --confirm to proceed.", before.Format(time.RFC3339))
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/snapshots?before="+url.QueryEscape(before.Format(time.RFC3339)))
		if err != nil {
			return err
		}
		var result struct {
			Deleted int `json:"deleted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %d snapshots", result.Deleted)
		return nil
	},
}

func init() {
	purgeCmd.Flags().String("before", "", "cutoff: RFC3339 time or duration ago (e.g. 720h)")
	purgeCmd.Flags().Bool("confirm", false, "confirm deletion")
}

// parseBefore accepts an RFC3339 timestamp or a positive duration before now.
func parseBefore(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("--before must be RFC3339 or a positive duration, got %q", s)
	}
	return now.Add(-d).UTC(), nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
