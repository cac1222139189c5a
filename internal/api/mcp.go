package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/judgemyjpeg/jmj/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer creates an MCP server exposing the local store to assistants.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"jmj",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("jmj: local offline queue, analysis cache and preferences for JudgeMyJPEG."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("store_stats",
			mcp.WithDescription("Report row counts for the offline queue, the analysis cache and the preferences table."),
		),
		mcpStoreStats(deps),
	)

	s.AddTool(
		mcp.NewTool("sweep_cache",
			mcp.WithDescription("Remove every expired analysis cache entry and report how many were removed."),
		),
		mcpSweepCache(deps),
	)

	s.AddTool(
		mcp.NewTool("get_preference",
			mcp.WithDescription("Read a user preference by key."),
			mcp.WithString("key", mcp.Description("Preference key"), mcp.Required()),
		),
		mcpGetPreference(deps),
	)

	s.AddTool(
		mcp.NewTool("set_preference",
			mcp.WithDescription("Create or overwrite a user preference."),
			mcp.WithString("key", mcp.Description("Preference key"), mcp.Required()),
			mcp.WithString("value", mcp.Description("Preference value"), mcp.Required()),
		),
		mcpSetPreference(deps),
	)

	s.AddTool(
		mcp.NewTool("list_queue",
			mcp.WithDescription("List submissions waiting in the offline queue, oldest first. Payload bytes are omitted."),
		),
		mcpListQueue(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"store://stats",
			"Store Stats",
			mcp.WithResourceDescription("Current row counts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpStoreStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Store.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read stats: %v", err)), nil
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSweepCache(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := deps.Store.SweepExpired(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to sweep cache: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Removed %d expired cache entries", n)), nil
	}
}

func mcpGetPreference(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		v, ok, err := deps.Store.GetPreference(ctx, key)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read preference: %v", err)), nil
		}
		if !ok {
			return mcpError(fmt.Sprintf("preference %q is not set", key)), nil
		}
		return mcpText(v), nil
	}
}

func mcpSetPreference(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcpError("value is required"), nil
		}

		if err := deps.Store.SetPreference(ctx, key, value); err != nil {
			return mcpError(fmt.Sprintf("failed to set preference: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Set %s = %s", key, value)), nil
	}
}

func mcpListQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		items, err := deps.Store.ListQueued(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list queue: %v", err)), nil
		}

		type queueSummary struct {
			ID         string `json:"id"`
			EnqueuedAt string `json:"enqueued_at"`
			Filename   string `json:"filename"`
			Tone       string `json:"tone"`
			Language   string `json:"language"`
			SizeBytes  int64  `json:"size_bytes"`
			Attempts   int    `json:"attempts"`
		}

		summaries := make([]queueSummary, len(items))
		for i, it := range items {
			summaries[i] = queueSummary{
				ID:         it.ID,
				EnqueuedAt: it.EnqueuedAt.Format(time.RFC3339),
				Filename:   it.Metadata.Filename,
				Tone:       it.Metadata.Tone,
				Language:   it.Metadata.Language,
				SizeBytes:  it.Metadata.SizeBytes,
				Attempts:   it.Attempts,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal queue: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Store.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read stats: %w", err)
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
