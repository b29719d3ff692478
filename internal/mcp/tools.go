package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
)

// --- Tool definitions ---

var toolListSessions = mcp.NewTool("list_sessions",
	mcp.WithDescription("List live exercise sessions with their rep counts, average score and current phase."),
)

var toolGetSessionProgress = mcp.NewTool("get_session_progress",
	mcp.WithDescription("Score history of a live session: recent overall scores, average, improvement between the first and second half, consistency trend and recommendations."),
	mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
)

var toolGetSystemHealth = mcp.NewTool("get_system_health",
	mcp.WithDescription("Health verdict over the faults logged in the last minute. Unhealthy on any critical fault, more than three high severity faults or more than five performance faults."),
)

var toolGetErrorStats = mcp.NewTool("get_error_stats",
	mcp.WithDescription("Counts of logged faults by category and severity, the recovery rate and the most recent faults."),
)

var toolListExercises = mcp.NewTool("list_exercises",
	mcp.WithDescription("List the exercise catalog: phase thresholds, perfect depth range and per-dimension scoring weights."),
)

var toolScoreForm = mcp.NewTool("score_form",
	mcp.WithDescription("Score a repetition from its form issues and depth correctness. Returns the overall score, grade, per-dimension breakdown and prioritized improvements."),
	mcp.WithString("exercise_id", mcp.Required(), mcp.Description("Exercise ID (e.g. squat, sumo_squat, lunge, deadlift)")),
	mcp.WithNumber("correctness", mcp.Required(), mcp.Description("Depth correctness of the rep in [0,1]"), mcp.Min(0), mcp.Max(1)),
	mcp.WithArray("issues", mcp.Description("Form issues observed during the rep"), mcp.Items(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type":        map[string]any{"type": "string", "enum": []string{"alignment", "posture", "range_of_motion", "timing", "consistency"}},
			"severity":    map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
			"description": map[string]any{"type": "string"},
		},
		"required": []string{"type", "severity"},
	})),
	mcp.WithString("session_id", mcp.Description("Record the score in this session's history")),
	mcp.WithBoolean("projected", mcp.Description("Score as if every issue had been worked on")),
)

var toolGetSessionHistory = mcp.NewTool("get_session_history",
	mcp.WithDescription("Finished and in-progress sessions from the history store, newest first."),
	mcp.WithNumber("limit", mcp.Description("Maximum number of sessions. Defaults to 20.")),
)

var toolGetRepHistory = mcp.NewTool("get_rep_history",
	mcp.WithDescription("Every stored rep of a session with its score, breakdown and issues."),
	mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
)

var toolGetDataStats = mcp.NewTool("get_data_stats",
	mcp.WithDescription("Totals over the stored history: sessions, reps, counted reps and faults, the date range, and per-exercise rep counts with average score."),
)

// --- Tool handlers ---

func (h *handlers) listSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := h.ds.ActiveSessions(ctx)
	if err != nil {
		h.log.Error("mcp list_sessions", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(sessions)
}

func (h *handlers) getSessionProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id parameter is required"), nil
	}

	p, err := h.ds.SessionProgress(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return mcp.NewToolResultError("no scores recorded for session " + id), nil
	}
	if err != nil {
		h.log.Error("mcp get_session_progress", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(p)
}

func (h *handlers) getSystemHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	health, err := h.ds.SystemHealth(ctx)
	if err != nil {
		h.log.Error("mcp get_system_health", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(health)
}

func (h *handlers) getErrorStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := h.ds.ErrorStats(ctx)
	if err != nil {
		h.log.Error("mcp get_error_stats", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(stats)
}

func (h *handlers) listExercises(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs, err := h.ds.Exercises(ctx)
	if err != nil {
		h.log.Error("mcp list_exercises", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(defs)
}

func (h *handlers) scoreForm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args ScoreRequest
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	if args.ExerciseID == "" {
		return mcp.NewToolResultError("exercise_id parameter is required"), nil
	}
	if args.Correctness < 0 || args.Correctness > 1 {
		return mcp.NewToolResultError("correctness must be within [0,1]"), nil
	}

	fs, err := h.ds.ScoreForm(ctx, args)
	if err != nil {
		h.log.Error("mcp score_form", "caller", CallerFromContext(ctx), "error", err)
		return mcp.NewToolResultError("scoring failed: " + err.Error()), nil
	}
	h.log.Debug("mcp score_form", "caller", CallerFromContext(ctx), "exercise", args.ExerciseID, "overall", fs.Overall)
	return jsonResult(fs)
}

func (h *handlers) getSessionHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	if limit <= 0 {
		limit = 20
	}

	rows, err := h.ds.SessionHistory(ctx, limit)
	if err != nil {
		h.log.Error("mcp get_session_history", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(rows)
}

func (h *handlers) getRepHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id parameter is required"), nil
	}

	rows, err := h.ds.RepHistory(ctx, id)
	if err != nil {
		h.log.Error("mcp get_rep_history", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(rows)
}

func (h *handlers) getDataStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := h.ds.DataStats(ctx)
	if err != nil {
		h.log.Error("mcp get_data_stats", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(stats)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(v)
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}
