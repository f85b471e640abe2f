package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/scheduler"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Analyzer Analyzer // optional; if nil, analyze_snapshot returns an error
}

// NewMCPServer creates an MCP server exposing the detection queue and stats
// as tools, plus recent detections as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"midot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("midot: vehicle detection results for traffic camera snapshots."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_stats",
			mcp.WithDescription("Aggregate detection counts by status, average confidence and total vehicles detected."),
			mcp.WithString("source_id", mcp.Description("Restrict to one camera")),
			mcp.WithString("from", mcp.Description("Inclusive lower bound on record creation time, RFC3339")),
			mcp.WithString("to", mcp.Description("Exclusive upper bound on record creation time, RFC3339")),
		),
		mcpGetStats(deps),
	)

	s.AddTool(
		mcp.NewTool("enqueue_snapshot",
			mcp.WithDescription("Queue a snapshot for vehicle detection on the next analysis pass."),
			mcp.WithString("snapshot_id", mcp.Description("Snapshot ID"), mcp.Required()),
		),
		mcpEnqueueSnapshot(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_snapshot",
			mcp.WithDescription("Run vehicle detection on a snapshot now and return the result."),
			mcp.WithString("snapshot_id", mcp.Description("Snapshot ID"), mcp.Required()),
		),
		mcpAnalyzeSnapshot(deps),
	)

	s.AddTool(
		mcp.NewTool("get_detection",
			mcp.WithDescription("Return the detection record of a snapshot with its bounding boxes."),
			mcp.WithString("snapshot_id", mcp.Description("Snapshot ID"), mcp.Required()),
		),
		mcpGetDetection(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"detections://recent",
			"Recent Detections",
			mcp.WithResourceDescription("Last 10 detection records"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpGetStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := storage.StatsFilter{SourceID: req.GetString("source_id", "")}
		for _, p := range []struct {
			name string
			dst  *time.Time
		}{{"from", &f.From}, {"to", &f.To}} {
			s := req.GetString(p.name, "")
			if s == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return mcpError(fmt.Sprintf("%s must be RFC3339: %v", p.name, err)), nil
			}
			*p.dst = t
		}

		st, err := deps.Store.Stats(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute stats: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpEnqueueSnapshot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("snapshot_id")
		if err != nil {
			return mcpError("snapshot_id is required"), nil
		}

		ok, err := deps.Store.Enqueue(ctx, storage.EnqueueRequest{SnapshotID: id})
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("snapshot %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to enqueue: %v", err)), nil
		}
		if !ok {
			return mcpText(fmt.Sprintf("Snapshot %s is already being processed", id)), nil
		}
		return mcpText(fmt.Sprintf("Queued snapshot %s", id)), nil
	}
}

func mcpAnalyzeSnapshot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Analyzer == nil {
			return mcpError("analysis not available: no inference backend configured"), nil
		}
		id, err := req.RequireString("snapshot_id")
		if err != nil {
			return mcpError("snapshot_id is required"), nil
		}

		d, err := deps.Analyzer.AnalyzeSnapshot(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("snapshot %s not found", id)), nil
		case errors.Is(err, scheduler.ErrBusy):
			return mcpError(err.Error()), nil
		case err != nil:
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}
		return mcpJSON(d)
	}
}

func mcpGetDetection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("snapshot_id")
		if err != nil {
			return mcpError("snapshot_id is required"), nil
		}

		d, err := deps.Store.GetDetection(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no detection for snapshot %s", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get detection: %v", err)), nil
		}
		boxes, err := deps.Store.ListBoxes(ctx, d.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list boxes: %v", err)), nil
		}
		if boxes == nil {
			boxes = []storage.BoundingBox{}
		}
		return mcpJSON(detectionResponse{Detection: d, Boxes: boxes})
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Store.ListDetections(ctx, "", 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list detections: %w", err)
		}
		if list == nil {
			list = []storage.Detection{}
		}

		b, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal detections: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
