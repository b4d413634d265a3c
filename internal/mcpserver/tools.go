package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/capulus/dbgnexus/internal/common/config"
	"github.com/capulus/dbgnexus/internal/common/constants"
	apperrors "github.com/capulus/dbgnexus/internal/common/errors"
	"github.com/capulus/dbgnexus/internal/common/logger"
	"github.com/capulus/dbgnexus/internal/debugger/extension"
	"github.com/capulus/dbgnexus/internal/debugger/queue"
	"github.com/capulus/dbgnexus/internal/debugger/session"
	"github.com/capulus/dbgnexus/internal/debugger/types"
)

func registerTools(s *server.MCPServer, sessions *session.Manager, log *logger.Logger, extCfg config.ExtensionConfig) {
	// Open Session tool
	s.AddTool(
		mcp.NewTool("open_session",
			mcp.WithDescription(
				"Open a new debugger session against a crash dump file or a live attach target. "+
					"Returns a session_id used by every other tool in this server.",
			),
			mcp.WithString("target",
				mcp.Required(),
				mcp.Description("Path to a .dmp/.core crash dump, or a live-attach spec such as tcp:host:port"),
			),
			mcp.WithString("symbols_path",
				mcp.Description("Optional symbol search path passed to the debugger (e.g. a local symbol cache or symbol server URL)"),
			),
		),
		openSessionHandler(sessions, log),
	)

	// Close Session tool
	s.AddTool(
		mcp.NewTool("close_session",
			mcp.WithDescription("Close a debugger session and terminate its child process."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to close"),
			),
		),
		closeSessionHandler(sessions, log),
	)

	// Enqueue Command tool
	s.AddTool(
		mcp.NewTool("enqueue_command",
			mcp.WithDescription(
				"Queue a debugger command for execution in a session. Commands run FIFO, one at a "+
					"time, and may take a while for analysis commands like !analyze -v. Returns a "+
					"command_id to poll with read_command_result.",
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to run the command in"),
			),
			mcp.WithString("command",
				mcp.Required(),
				mcp.Description("The debugger command text, e.g. \"!analyze -v\" or \"k\""),
			),
		),
		enqueueCommandHandler(sessions, log),
	)

	// Read Command Result tool
	s.AddTool(
		mcp.NewTool("read_command_result",
			mcp.WithDescription(
				"Check the status of a queued command. If still running, returns queue position "+
					"and a progress estimate. Once finished, returns its output.",
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session the command belongs to"),
			),
			mcp.WithString("command_id",
				mcp.Required(),
				mcp.Description("The command_id returned by enqueue_command or enqueue_extension"),
			),
		),
		readCommandResultHandler(sessions, log),
	)

	// Enqueue Extension tool
	s.AddTool(
		mcp.NewTool("enqueue_extension",
			mcp.WithDescription(
				"Queue a long-running debugger extension invocation (e.g. !gchandles, a SOS "+
					"command, or a custom extension DLL export) in a session. Behaves like "+
					"enqueue_command but tracks the job in its own namespace.",
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to run the extension in"),
			),
			mcp.WithString("extension",
				mcp.Required(),
				mcp.Description("The extension command, e.g. \"!gchandles\" or \"!sos.dumpheap\""),
			),
			mcp.WithString("args",
				mcp.Description("Extra arguments appended to the extension command (optional)"),
			),
		),
		enqueueExtensionHandler(sessions, log, extCfg),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

// requireNonBlank pulls a required string param and rejects it outright if
// it's empty or whitespace-only, surfacing InvalidInput rather than letting
// a blank id/command slip past the library's mere-presence check.
func requireNonBlank(req mcp.CallToolRequest, param string) (string, error) {
	v, err := req.RequireString(param)
	if err != nil {
		return "", apperrors.InvalidInput("%s is required", param)
	}
	if strings.TrimSpace(v) == "" {
		return "", apperrors.InvalidInput("%s must not be empty or whitespace", param)
	}
	return v, nil
}

func openSessionHandler(sessions *session.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := requireNonBlank(req, "target")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		symbolsPath := req.GetString("symbols_path", "")

		handle, err := sessions.Open(ctx, target, symbolsPath)
		if err != nil {
			log.Error("failed to open session", zap.String("target", target), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to open session: %v", err)), nil
		}

		return jsonToolResult(map[string]any{
			"session_id":   handle.Session.ID,
			"target":       handle.Session.Target,
			"symbols_path": handle.Session.SymbolsPath,
			"status":       "success",
			"message":      fmt.Sprintf("session %s opened against %s", handle.Session.ID, handle.Session.Target),
		})
	}
}

func closeSessionHandler(sessions *session.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := requireNonBlank(req, "session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := sessions.Close(ctx, sessionID); err != nil {
			log.Error("failed to close session", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to close session: %v", err)), nil
		}

		return jsonToolResult(map[string]any{
			"session_id": sessionID,
			"status":     "success",
			"message":    fmt.Sprintf("session %s closed", sessionID),
		})
	}
}

func enqueueCommandHandler(sessions *session.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := requireNonBlank(req, "session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		command, err := requireNonBlank(req, "command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		q, err := sessions.TryGetQueue(sessionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to enqueue command: %v", err)), nil
		}

		cmd := &types.Command{
			ID:        q.NextCommandID(),
			SessionID: sessionID,
			Text:      strings.TrimSpace(command),
		}
		if err := q.Enqueue(cmd); err != nil {
			log.Warn("failed to enqueue command", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to enqueue command: %v", err)), nil
		}

		status := q.Status()
		return jsonToolResult(map[string]any{
			"session_id":      sessionID,
			"command_id":      cmd.ID,
			"status":          types.CommandQueued,
			"queue_position":  cmd.Position,
			"total_in_queue":  status.Depth,
			"timeout_minutes": int(constants.TimeoutForCommand(cmd.Text).Minutes()),
		})
	}
}

func readCommandResultHandler(sessions *session.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := requireNonBlank(req, "session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		commandID, err := requireNonBlank(req, "command_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		handle, err := sessions.Get(sessionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read result: %v", err)), nil
		}

		cmd, err := handle.Tracker.Get(commandID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read result: %v", err)), nil
		}

		if !cmd.State.Terminal() {
			progress, _ := handle.Queue.Progress(commandID)
			elapsed := time.Duration(0)
			if !cmd.StartedAt.IsZero() {
				elapsed = time.Since(cmd.StartedAt)
			}
			return jsonToolResult(map[string]any{
				"session_id": sessionID,
				"command_id": cmd.ID,
				"state":      cmd.State,
				"progress": map[string]any{
					"queuePosition":      cmd.Position,
					"progressPercentage": int(progress * 100),
					"elapsed":            formatDuration(elapsed),
					"eta":                estimateETA(cmd, handle.Queue.Entries(), elapsed),
					"checkAgain":         pollRecommendation(cmd),
				},
				"statusExplanation": statusExplanation(cmd),
			})
		}

		result, ok := handle.Cache.Get(commandID)
		if !ok {
			return jsonToolResult(map[string]any{
				"session_id": sessionID,
				"command_id": cmd.ID,
				"state":      cmd.State,
			})
		}

		response := map[string]any{
			"session_id":  sessionID,
			"command_id":  cmd.ID,
			"state":       cmd.State,
			"completedAt": cmd.FinishedAt,
			"progress": map[string]any{
				"progressPercentage": 100,
				"executionTime":      formatDuration(cmd.FinishedAt.Sub(cmd.StartedAt)),
				"checkAgain":         "no need to poll again",
			},
		}
		if result.Err == nil {
			response["result"] = result.Output
		} else {
			response["error"] = result.Err.Error()
		}
		return jsonToolResult(response)
	}
}

// formatDuration renders d as the seconds/minutes form the contract expects:
// "12.3s" under a minute, "2m 5s" (or "2m" on an exact minute) at or above one.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d / time.Minute)
	seconds := int((d % time.Minute) / time.Second)
	if seconds == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

// estimateETA is the remaining time budget for cmd: the executing command's
// own class timeout (floored at the 2-minute default) minus its elapsed
// execution time, plus the full class timeout of every command still ahead
// of it in the FIFO. entries is the queue's FIFO snapshot (handle.Queue.
// Entries()), used to find those ahead-of-FIFO commands by position.
func estimateETA(cmd *types.Command, entries []*types.Command, elapsed time.Duration) string {
	classTimeout := queue.ClassTimeout(cmd)
	if classTimeout < constants.DefaultCommandTimeout {
		classTimeout = constants.DefaultCommandTimeout
	}

	remaining := classTimeout - elapsed
	if remaining < 0 {
		remaining = 0
	}

	for _, ahead := range entries {
		if ahead.ID == cmd.ID || ahead.Position >= cmd.Position {
			continue
		}
		remaining += queue.ClassTimeout(ahead)
	}

	return formatDuration(remaining)
}

// pollRecommendation advises how soon a client should poll again, per the
// fixed table keyed on state/queue position. Advisory only.
func pollRecommendation(cmd *types.Command) string {
	if cmd.State.Terminal() {
		return "no need to poll again"
	}
	if cmd.State == types.CommandExecuting {
		return "1-3s"
	}
	switch {
	case cmd.Position <= 0:
		return "1-3s"
	case cmd.Position == 1:
		return "3-5s"
	default:
		if cmd.Position >= 5 {
			return "15-30s"
		}
		return "5-15s"
	}
}

func statusExplanation(cmd *types.Command) string {
	switch cmd.State {
	case types.CommandQueued:
		return fmt.Sprintf("waiting behind %d other command(s)", cmd.Position)
	case types.CommandExecuting:
		return "running against the debugger child"
	default:
		return string(cmd.State)
	}
}

// extensionTimeoutMinutes is the fixed timeout every enqueue-extension job
// is reported with, per the extension execution class (longer than any
// plain command's default since extension DLLs commonly walk a full heap).
const extensionTimeoutMinutes = 30

func enqueueExtensionHandler(sessions *session.Manager, log *logger.Logger, extCfg config.ExtensionConfig) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !extCfg.Enabled {
			return mcp.NewToolResultError(apperrors.ExtensionSubsystemDisabled().Error()), nil
		}

		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ext, err := req.RequireString("extension")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		extArgs := req.GetString("args", "")

		if !extensionAllowed(extCfg, ext) {
			return mcp.NewToolResultError(apperrors.ExtensionNotFound(ext).Error()), nil
		}

		handle, err := sessions.Get(sessionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to enqueue extension: %v", err)), nil
		}
		q, err := sessions.TryGetQueue(sessionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to enqueue extension: %v", err)), nil
		}

		jobID := extension.NewJobID()
		text := ext
		if extArgs != "" {
			text = ext + " " + extArgs
		}

		cmd := &types.Command{
			ID:        jobID,
			SessionID: sessionID,
			Text:      strings.TrimSpace(text),
		}
		if err := q.Enqueue(cmd); err != nil {
			log.Warn("failed to enqueue extension job", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to enqueue extension: %v", err)), nil
		}

		handle.ExtJobs.Register(&types.ExtensionJob{
			ID:        jobID,
			SessionID: sessionID,
			Extension: ext,
			Args:      extArgs,
			State:     types.CommandQueued,
			QueuedAt:  time.Now(),
		})

		return jsonToolResult(map[string]any{
			"session_id":      sessionID,
			"command_id":      jobID,
			"extension_name":  ext,
			"status":          types.CommandQueued,
			"timeout_minutes": extensionTimeoutMinutes,
		})
	}
}

// extensionAllowed reports whether name may be enqueued: an empty allowlist
// accepts any extension name, otherwise name must appear in it verbatim.
func extensionAllowed(cfg config.ExtensionConfig, name string) bool {
	if len(cfg.AllowedNames) == 0 {
		return true
	}
	for _, allowed := range cfg.AllowedNames {
		if allowed == name {
			return true
		}
	}
	return false
}

func jsonToolResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
