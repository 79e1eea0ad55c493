package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/localapi/internal/domain"
	"github.com/xiaot623/localapi/tests/helpers"
)

type recorder struct {
	events []domain.StreamEvent
	// failAt makes the emit with this index fail; -1 never fails.
	failAt int
}

func (r *recorder) emit(ev domain.StreamEvent) error {
	if r.failAt >= 0 && len(r.events) == r.failAt {
		return errors.New("client closed")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []domain.StreamEventType {
	out := make([]domain.StreamEventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestRespondStream(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.Reply{Text: "Hello world", Chunks: []string{"Hel", "lo ", "world"}})
	ctx := context.Background()
	rec := &recorder{failAt: -1}

	err := f.svc.RespondStream(ctx, domain.TurnRequest{InputText: "hi", Stream: true}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, []domain.StreamEventType{
		domain.StreamEventStart, domain.StreamEventDelta, domain.StreamEventDelta, domain.StreamEventDelta, domain.StreamEventEnd,
	}, rec.types())

	start := rec.events[0]
	require.NotEmpty(t, start.ResponseID)
	require.NotNil(t, rec.events[4].Usage)

	detail, err := f.store.GetResponseDetail(ctx, start.ResponseID)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, "Hello world", detail.OutputText)
	assert.Equal(t, domain.ResponseStatusCompleted, detail.Status)

	assert.True(t, f.llm.Requests()[0].Stream)
}

func TestRespondStreamToolCall(t *testing.T) {
	f := newFixture(t, echoTool{}, nil,
		helpers.ToolCallReply("echo", `{"text":"ping"}`),
		helpers.Reply{Text: "pong", Chunks: []string{"po", "ng"}})
	rec := &recorder{failAt: -1}

	err := f.svc.RespondStream(context.Background(), domain.TurnRequest{InputText: "hi"}, rec.emit)
	require.NoError(t, err)
	require.Equal(t, 2, f.llm.Calls())

	follow := f.llm.Requests()[1]
	assert.Equal(t, "none", follow.ToolChoice)
	tm := toolMessages(follow.Messages)
	require.Len(t, tm, 1)
	assert.Contains(t, tm[0].Content.PlainText(), "ping")

	detail, err := f.store.GetResponseDetail(context.Background(), rec.events[0].ResponseID)
	require.NoError(t, err)
	assert.Equal(t, "pong", detail.OutputText)
	assert.Equal(t, 30, detail.Usage.TotalTokens)
}

func TestRespondStreamClientGone(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.Reply{Text: "abc", Chunks: []string{"a", "b", "c"}})
	ctx := context.Background()
	rec := &recorder{failAt: 2}

	err := f.svc.RespondStream(ctx, domain.TurnRequest{ThreadID: "thr_gone", InputText: "hi"}, rec.emit)
	require.Error(t, err)
	_, isTurnErr := domain.AsTurnError(err)
	assert.False(t, isTurnErr)

	msgs, err := f.store.GetThreadMessages(ctx, "thr_gone", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)

	resp, err := f.store.GetResponse(ctx, rec.events[0].ResponseID)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestRespondStreamBackendFailsMidStream(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.Reply{Chunks: []string{"par"}, StreamErr: errors.New("connection reset")})
	ctx := context.Background()
	rec := &recorder{failAt: -1}

	err := f.svc.RespondStream(ctx, domain.TurnRequest{InputText: "hi"}, rec.emit)
	te, ok := domain.AsTurnError(err)
	require.True(t, ok)
	assert.Equal(t, domain.TurnErrorBackend, te.Kind)
	assert.Equal(t, rec.events[0].ResponseID, te.ResponseID)

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, domain.StreamEventError, last.Type)
	assert.Equal(t, te.TraceID, last.TraceID)

	resp, err := f.store.GetResponse(ctx, te.ResponseID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, domain.ResponseStatusError, resp.Status)
}

func TestRespondStreamBackendDownBeforeStart(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.ErrorReply(errors.New("refused")))
	rec := &recorder{failAt: -1}

	err := f.svc.RespondStream(context.Background(), domain.TurnRequest{InputText: "hi"}, rec.emit)
	te, ok := domain.AsTurnError(err)
	require.True(t, ok)
	assert.NotEmpty(t, te.TraceID)
	// start was already sent, so the failure arrives as an error event
	assert.Equal(t, domain.StreamEventError, rec.events[len(rec.events)-1].Type)
}
