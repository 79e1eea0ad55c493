package llm

// ToolCallAccumulator merges streamed tool call fragments by index.
type ToolCallAccumulator struct {
	calls   []ToolCall
	byIndex map[int]int
}

// Add merges one chunk's deltas.
func (a *ToolCallAccumulator) Add(deltas []ToolCall) {
	if a.byIndex == nil {
		a.byIndex = make(map[int]int)
	}
	for pos, d := range deltas {
		idx := pos
		if d.Index != nil {
			idx = *d.Index
		}
		i, ok := a.byIndex[idx]
		if !ok {
			i = len(a.calls)
			a.byIndex[idx] = i
			a.calls = append(a.calls, ToolCall{})
		}
		tc := &a.calls[i]
		if d.ID != "" {
			tc.ID = d.ID
		}
		if d.Type != "" {
			tc.Type = d.Type
		}
		if tc.Function.Name == "" {
			tc.Function.Name = d.Function.Name
		}
		tc.Function.Arguments += d.Function.Arguments
	}
}

// Len returns the number of distinct tool calls seen.
func (a *ToolCallAccumulator) Len() int {
	return len(a.calls)
}

// ToolCalls returns the merged calls in arrival order.
func (a *ToolCallAccumulator) ToolCalls() []ToolCall {
	out := make([]ToolCall, len(a.calls))
	for i, tc := range a.calls {
		if tc.Type == "" {
			tc.Type = "function"
		}
		out[i] = tc
	}
	return out
}
