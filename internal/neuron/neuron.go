// Package neuron contains the single-purpose reasoning units of the
// pipeline: intent classifier, tool selector, code generator, code
// validator, generative responder, and the tool forge. Each consumes
// prompts and produces a structured decision; none holds state across
// calls beyond the shared caches.
package neuron

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"synapse/internal/types"
)

// emitStep reports a completed or failed pipeline step to the sink, if any.
func emitStep(sink types.EventSink, goalID, component string, start time.Time, err error) {
	ev := types.Event{
		GoalID:    goalID,
		Component: component,
		Phase:     types.PhaseCompleted,
		Duration:  time.Since(start),
	}
	if err != nil {
		ev.Phase = types.PhaseFailed
		ev.Error = err.Error()
	}
	types.EmitEvent(sink, ev)
}

func emitStarted(sink types.EventSink, goalID, component string) {
	types.EmitEvent(sink, types.Event{GoalID: goalID, Component: component, Phase: types.PhaseStarted})
}

// extractJSON pulls the first JSON object out of a model reply, tolerating
// markdown fences and prose around it.
func extractJSON(s string) (string, error) {
	s = stripFences(s)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in model reply")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unterminated JSON object in model reply")
}

// stripFences removes markdown code fences around a model reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop the language tag on the opening fence.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 12 && !strings.ContainsAny(first, "{}();") {
			s = s[idx+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// DecodeReply extracts and parses the JSON object in a model reply.
func DecodeReply(reply string, v any) error {
	raw, err := extractJSON(reply)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("parse model JSON: %w", err)
	}
	return nil
}
