package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/dictum/internal/history"
	"github.com/MrWong99/dictum/internal/pipeline"
)

// MCP tool names.
const (
	toolStatus        = "dictation_status"
	toolStart         = "start_recording"
	toolStop          = "stop_recording"
	toolCancel        = "cancel_recording"
	toolSearchHistory = "search_history"
)

type startArgs struct {
	Polish *bool `json:"polish,omitempty" jsonschema:"run the LLM polish step for this recording, overriding the configured default"`
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"words or a phrase to look for in past transcripts"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of hits, default 50"`
}

// newMCPServer builds the MCP server with one tool per control operation.
// search_history is only offered when history is configured.
func (s *Server) newMCPServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "dictum", Version: s.version}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        toolStatus,
		Description: "Report the dictation pipeline state and the latest transcript.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
		return jsonResult(s.ctl.Status())
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        toolStart,
		Description: "Start a new recording. Audio arrives on the capture socket.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args startArgs) (*mcp.CallToolResult, any, error) {
		var opts []pipeline.StartOption
		if args.Polish != nil {
			opts = append(opts, pipeline.WithPolish(*args.Polish))
		}
		return s.controlResult(s.ctl.StartRecording(ctx, opts...))
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        toolStop,
		Description: "Stop the active recording and transcribe it.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
		return s.controlResult(s.ctl.StopAndTranscribe(ctx))
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        toolCancel,
		Description: "Discard the active recording without transcribing it.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
		return s.controlResult(s.ctl.CancelRecording(ctx))
	})

	if s.hist != nil {
		mcp.AddTool(srv, &mcp.Tool{
			Name:        toolSearchHistory,
			Description: "Search past dictation transcripts.",
		}, func(ctx context.Context, _ *mcp.CallToolRequest, args searchArgs) (*mcp.CallToolResult, any, error) {
			if args.Query == "" {
				return nil, nil, errors.New("query must not be empty")
			}
			hits, err := s.hist.Search(ctx, args.Query, max(0, min(args.Limit, maxHistoryLimit)))
			if err != nil {
				return nil, nil, err
			}
			if hits == nil {
				hits = []history.Hit{}
			}
			return jsonResult(searchResponse{Query: args.Query, Hits: hits})
		})
	}
	return srv
}

// mcpHandler serves the MCP server over streamable HTTP.
func (s *Server) mcpHandler() http.Handler {
	srv := s.newMCPServer()
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
}

func (s *Server) controlResult(accepted bool, err error) (*mcp.CallToolResult, any, error) {
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(controlResponse{Accepted: accepted, Status: s.ctl.Status()})
}

// jsonResult wraps v as a single text content block.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
