package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List the workspace's sessions. Use this first to get session IDs for other operations."),
		),
		listSessionsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("list_worktrees",
			mcp.WithDescription("List the worktrees of a session, including their branch, provider and status."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to list worktrees from"),
			),
		),
		listWorktreesHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a user message to a worktree's agent. Returns the turn ID; progress streams over the session's WebSocket."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
			mcp.WithString("worktree_id",
				mcp.Required(),
				mcp.Description("The worktree ID (\"main\" for the primary clone)"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		sendMessageHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("list_messages",
			mcp.WithDescription("Read a worktree's conversation log."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
			mcp.WithString("worktree_id",
				mcp.Required(),
				mcp.Description("The worktree ID"),
			),
		),
		listMessagesHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("interrupt_turn",
			mcp.WithDescription("Cancel a worktree's in-flight turn. Idempotent."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
			mcp.WithString("worktree_id",
				mcp.Required(),
				mcp.Description("The worktree ID"),
			),
			mcp.WithString("turn_id",
				mcp.Required(),
				mcp.Description("The turn ID to cancel"),
			),
		),
		interruptTurnHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("worktree_diff",
			mcp.WithDescription("Read the uncommitted diff of a worktree's checkout."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
			mcp.WithString("worktree_id",
				mcp.Required(),
				mcp.Description("The worktree ID"),
			),
		),
		worktreeDiffHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 6))
}

var httpClient = &http.Client{Timeout: 60 * time.Second}

// call performs one authenticated API request and returns the raw body.
func call(ctx context.Context, cfg Config, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(cfg.APIURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIToken)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func textResult(data []byte) *mcp.CallToolResult {
	return mcp.NewToolResultText(string(data))
}

func requireString(req mcp.CallToolRequest, name string) (string, *mcp.CallToolResult) {
	value, err := req.RequireString(name)
	if err != nil || value == "" {
		return "", mcp.NewToolResultError(name + " is required")
	}
	return value, nil
}

func listSessionsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		data, err := call(ctx, cfg, http.MethodGet, "/sessions", nil)
		if err != nil {
			log.Warn("list_sessions failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return textResult(data), nil
	}
}

func listWorktreesHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, fail := requireString(req, "session_id")
		if fail != nil {
			return fail, nil
		}
		data, err := call(ctx, cfg, http.MethodGet, "/sessions/"+sessionID+"/worktrees", nil)
		if err != nil {
			log.Warn("list_worktrees failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return textResult(data), nil
	}
}

func sendMessageHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, fail := requireString(req, "session_id")
		if fail != nil {
			return fail, nil
		}
		worktreeID, fail := requireString(req, "worktree_id")
		if fail != nil {
			return fail, nil
		}
		text, fail := requireString(req, "text")
		if fail != nil {
			return fail, nil
		}
		data, err := call(ctx, cfg, http.MethodPost,
			fmt.Sprintf("/sessions/%s/worktrees/%s/messages", sessionID, worktreeID),
			map[string]string{"text": text})
		if err != nil {
			log.Warn("send_message failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return textResult(data), nil
	}
}

func listMessagesHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, fail := requireString(req, "session_id")
		if fail != nil {
			return fail, nil
		}
		worktreeID, fail := requireString(req, "worktree_id")
		if fail != nil {
			return fail, nil
		}
		data, err := call(ctx, cfg, http.MethodGet,
			fmt.Sprintf("/sessions/%s/worktrees/%s/messages", sessionID, worktreeID), nil)
		if err != nil {
			log.Warn("list_messages failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return textResult(data), nil
	}
}

func interruptTurnHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, fail := requireString(req, "session_id")
		if fail != nil {
			return fail, nil
		}
		worktreeID, fail := requireString(req, "worktree_id")
		if fail != nil {
			return fail, nil
		}
		turnID, fail := requireString(req, "turn_id")
		if fail != nil {
			return fail, nil
		}
		data, err := call(ctx, cfg, http.MethodPost,
			fmt.Sprintf("/sessions/%s/worktrees/%s/interrupt", sessionID, worktreeID),
			map[string]string{"turnId": turnID})
		if err != nil {
			log.Warn("interrupt_turn failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return textResult(data), nil
	}
}

func worktreeDiffHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, fail := requireString(req, "session_id")
		if fail != nil {
			return fail, nil
		}
		worktreeID, fail := requireString(req, "worktree_id")
		if fail != nil {
			return fail, nil
		}
		data, err := call(ctx, cfg, http.MethodGet,
			fmt.Sprintf("/sessions/%s/worktrees/%s/diff", sessionID, worktreeID), nil)
		if err != nil {
			log.Warn("worktree_diff failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return textResult(data), nil
	}
}
