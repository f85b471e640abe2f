package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusColor picks the color a detection status is shown in.
func statusColor(status string) string {
	switch status {
	case "completed":
		return colorGreen
	case "failed":
		return colorRed
	case "processing":
		return colorYellow
	default:
		return colorCyan
	}
}

// detectionRow is the one-line form used by "detections list".
type detectionRow struct {
	SnapshotID      string  `json:"snapshot_id"`
	SourceID        string  `json:"source_id"`
	Status          string  `json:"status"`
	TotalBoxes      int     `json:"total_boxes"`
	ConfidenceScore float64 `json:"confidence_score"`
	RetryCount      int     `json:"retry_count"`
	LastError       string  `json:"last_error"`
	CreatedAt       string  `json:"created_at"`
}

func formatDetectionRow(d detectionRow) string {
	created := d.CreatedAt
	if t, err := time.Parse(time.RFC3339Nano, d.CreatedAt); err == nil {
		created = t.Local().Format("2006-01-02 15:04:05")
	}
	line := fmt.Sprintf("%s  %-12s %-10s boxes=%d conf=%.2f  %s",
		shortID(d.SnapshotID),
		d.SourceID,
		colorize(statusColor(d.Status), d.Status),
		d.TotalBoxes,
		d.ConfidenceScore,
		created,
	)
	if d.RetryCount > 0 {
		line += fmt.Sprintf("  retries=%d", d.RetryCount)
	}
	if d.LastError != "" {
		msg := d.LastError
		if len(msg) > 60 {
			msg = msg[:60] + "..."
		}
		line += "  " + colorize(colorRed, msg)
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
