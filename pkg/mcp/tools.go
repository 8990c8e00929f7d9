package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loonghao/taskchain/pkg/schema"
)

// handleRun executes a chain definition to completion.
func (s *ChainServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, defErr := parseDefinition(req)
	if defErr != nil {
		return mcp.NewToolResultError(defErr.Error()), nil
	}

	input := mcp.ParseStringMap(req, "input", nil)

	var cfg schema.RunConfig
	if raw := mcp.ParseStringMap(req, "config", nil); raw != nil {
		if err := decodeInto(raw, &cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid config: %v", err)), nil
		}
	}

	result, runErr := s.manager.StartChainExecution(ctx, def, input, cfg)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("chain execution failed: %v", runErr)), nil
	}

	return marshalResult(result)
}

// handleStatus returns the current state of a run.
func (s *ChainServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	snap, statusErr := s.manager.GetExecutionStatus(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(snap)
}

// handleCancel requests cooperative cancellation of a running chain.
func (s *ChainServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.manager.CancelExecution(ctx, runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
	})
}

// handleRetry re-runs a failed step of a run.
func (s *ChainServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	var stepIndex *int
	if idx := req.GetInt("step_index", -1); idx >= 0 {
		stepIndex = &idx
	}

	rec, retryErr := s.manager.RetryFailedStep(ctx, runID, stepIndex)
	if retryErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retry failed: %v", retryErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"task_id":     rec.ID,
		"step_index":  rec.StepIndex,
		"status":      rec.Status,
		"retry_count": rec.RetryCount,
	})
}

// handleValidate lints a chain definition without running it.
func (s *ChainServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, defErr := parseDefinition(req)
	if defErr != nil {
		return mcp.NewToolResultError(defErr.Error()), nil
	}

	vr := s.manager.ValidateChainDefinition(def)
	return marshalResult(map[string]any{
		"valid":    vr.Valid(),
		"errors":   vr.Errors,
		"warnings": vr.Warnings,
	})
}

// handleStats returns aggregate run counters and pool metrics.
func (s *ChainServer) handleStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.manager.GetExecutionStatistics())
}

// --- Internal helpers ---

// parseDefinition extracts and decodes the definition argument.
func parseDefinition(req mcp.CallToolRequest) (*schema.ChainDefinition, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, fmt.Errorf("definition is required")
	}

	var def schema.ChainDefinition
	if err := decodeInto(raw, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	// A definition without an explicit enabled flag is runnable.
	if _, ok := raw["enabled"]; !ok {
		def.Enabled = true
	}
	return &def, nil
}

// decodeInto round-trips a generic map through JSON into a typed struct.
func decodeInto(raw map[string]any, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
