package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "" }
func (echoTool) Schema() Schema {
	return Schema{
		Type:       "object",
		Properties: map[string]Property{"text": {Type: "string"}},
		Required:   []string{"text"},
	}
}
func (echoTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	return map[string]any{"echo": args["text"]}, nil
}

func TestRegistryRegisterAndPrepare(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool{}))
	require.Error(t, r.Register(echoTool{}), "duplicate registration should fail")

	tool, args, err := r.Prepare("echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	out, err := tool.Invoke(context.Background(), args)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hi"}, out)
}

func TestRegistryPrepareUnknownTool(t *testing.T) {
	tool, _, err := NewRegistry().Prepare("missing", nil)
	assert.Nil(t, tool)
	assert.True(t, errors.Is(err, ErrToolNotFound))
}

func TestRegistryPrepareInvalidArgs(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool{})
	tool, args, err := r.Prepare("echo", map[string]any{})
	require.NotNil(t, tool)
	assert.Nil(t, args)
	var ie *InvalidArgumentsError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "echo", ie.Tool)
}

func TestRegistryDefinitions(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool{})
	r.MustRegister(NewVisionDescribeTool(nil, "", nil))

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "echo", defs[0].Function.Name)
	assert.Equal(t, "Function tool: echo", defs[0].Function.Description)
	assert.Equal(t, VisionToolName, defs[1].Function.Name)
	assert.Equal(t, "function", defs[1].Type)

	assert.Nil(t, NewRegistry().Definitions())
}
