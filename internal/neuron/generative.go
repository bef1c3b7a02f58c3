package neuron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"synapse/internal/types"
)

// Responder answers generative goals with plain text. No tool invocation.
type Responder struct {
	llm  types.LLMClient
	sink types.EventSink
}

// NewResponder creates a generative responder.
func NewResponder(llm types.LLMClient, sink types.EventSink) *Responder {
	return &Responder{llm: llm, sink: sink}
}

const responderComponent = "generative_responder"

// Respond produces a free-form answer to the goal.
func (r *Responder) Respond(ctx context.Context, goalID, goal string) (string, error) {
	start := time.Now()
	emitStarted(r.sink, goalID, responderComponent)

	reply, err := r.llm.CompleteWithSystem(ctx, responderSystemPrompt, goal)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = fmt.Errorf("empty response for %q", goal)
	}
	emitStep(r.sink, goalID, responderComponent, start, err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

const responderSystemPrompt = `You are a helpful assistant. Answer the user's request directly and concisely in plain text.`
