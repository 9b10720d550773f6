package providers

import (
	"encoding/json"
	"strings"

	"github.com/strandcrm/strand/pkg/models"
)

// emptyArgs is the argument payload recorded for tool calls whose streamed
// JSON never forms a valid document.
const emptyArgs = "{}"

// CallAssembler accumulates tool call chunks from a stream into complete
// tool calls. Argument fragments are buffered as raw text and parsed exactly
// once, when the call's end chunk arrives. A call whose accumulated
// arguments are not valid JSON is finalized with empty arguments so the
// conversation can continue.
//
// CallAssembler is not safe for concurrent use; feed it from the single
// goroutine consuming the stream.
type CallAssembler struct {
	order   []string
	pending map[string]*pendingCall
	done    []models.ToolCall
}

type pendingCall struct {
	name string
	args strings.Builder
}

// NewCallAssembler returns an empty assembler.
func NewCallAssembler() *CallAssembler {
	return &CallAssembler{pending: make(map[string]*pendingCall)}
}

// Observe feeds one chunk into the assembler. Chunks that do not concern
// tool calls are ignored.
func (a *CallAssembler) Observe(chunk Chunk) {
	switch chunk.Kind {
	case ChunkToolCallStart:
		if _, ok := a.pending[chunk.ToolCallID]; ok {
			return
		}
		a.pending[chunk.ToolCallID] = &pendingCall{name: chunk.ToolName}
		a.order = append(a.order, chunk.ToolCallID)

	case ChunkToolCallDelta:
		if call, ok := a.pending[chunk.ToolCallID]; ok {
			call.args.WriteString(chunk.ArgumentFragment)
		}

	case ChunkToolCallEnd:
		call, ok := a.pending[chunk.ToolCallID]
		if !ok {
			return
		}
		delete(a.pending, chunk.ToolCallID)

		args := call.args.String()
		if !json.Valid([]byte(args)) {
			args = emptyArgs
		}
		a.done = append(a.done, models.ToolCall{
			ID:    chunk.ToolCallID,
			Name:  call.name,
			Input: json.RawMessage(args),
		})
	}
}

// Calls returns the completed tool calls in the order their start chunks
// arrived. Calls still pending (no end chunk yet) are excluded.
func (a *CallAssembler) Calls() []models.ToolCall {
	if len(a.done) <= 1 {
		return a.done
	}

	// done is append-ordered by end chunk; reorder by start order so the
	// engine executes calls in the sequence the model issued them.
	byID := make(map[string]models.ToolCall, len(a.done))
	for _, call := range a.done {
		byID[call.ID] = call
	}

	ordered := make([]models.ToolCall, 0, len(a.done))
	for _, id := range a.order {
		if call, ok := byID[id]; ok {
			ordered = append(ordered, call)
		}
	}
	return ordered
}

// Collect drains a stream into a complete Response. It is how the blocking
// Send path is built on top of each vendor's streaming API. The first chunk
// carrying an error aborts collection and returns that error.
func Collect(chunks <-chan Chunk) (*Response, error) {
	var text strings.Builder
	assembler := NewCallAssembler()

	resp := &Response{FinishReason: FinishEndTurn}

	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}

		switch chunk.Kind {
		case ChunkTextDelta:
			text.WriteString(chunk.Text)
		case ChunkToolCallStart, ChunkToolCallDelta, ChunkToolCallEnd:
			assembler.Observe(chunk)
		case ChunkDone:
			resp.FinishReason = chunk.FinishReason
			resp.Usage = chunk.Usage
		}
	}

	resp.Text = text.String()
	resp.ToolCalls = assembler.Calls()
	return resp, nil
}
