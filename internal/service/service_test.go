package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/config"
	"github.com/xiaot623/localapi/internal/domain"
	"github.com/xiaot623/localapi/internal/policy"
	"github.com/xiaot623/localapi/internal/repository"
	"github.com/xiaot623/localapi/internal/service"
	"github.com/xiaot623/localapi/internal/tools"
	"github.com/xiaot623/localapi/tests/helpers"
)

type echoTool struct {
	err error
}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo the text back." }
func (echoTool) Schema() tools.Schema {
	return tools.Schema{
		Type:       "object",
		Properties: map[string]tools.Property{"text": {Type: "string"}},
		Required:   []string{"text"},
	}
}
func (e echoTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	if e.err != nil {
		return nil, e.err
	}
	return map[string]any{"echo": args["text"]}, nil
}

type stubPolicy struct {
	decision string
	reason   string
}

func (p stubPolicy) Evaluate(context.Context, policy.Input) (string, string, error) {
	return p.decision, p.reason, nil
}

type fixture struct {
	svc   *service.Service
	store *repository.SQLiteStore
	llm   *helpers.ScriptedLLM
	cfg   *config.Config
}

func newFixture(t *testing.T, tool tools.Tool, pol service.PolicyEvaluator, replies ...helpers.Reply) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.SummarizeAfterMessages = 0
	cfg.ToolTimeout = time.Second

	registry := tools.NewRegistry()
	if tool != nil {
		registry.MustRegister(tool)
	}
	store := helpers.NewTestSQLiteStore(t)
	scripted := helpers.NewScriptedLLM(replies...)
	svc := service.New(store, scripted, registry, pol, cfg, nil)
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, store: store, llm: scripted, cfg: cfg}
}

func toolMessages(msgs []llm.ChatMessage) []llm.ChatMessage {
	var out []llm.ChatMessage
	for _, m := range msgs {
		if m.Role == domain.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func TestRespondNewThread(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.TextReply("Hi there."))
	ctx := context.Background()

	res, err := f.svc.Respond(ctx, domain.TurnRequest{InputText: "Hello!"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.ThreadID, "thr_"))
	assert.True(t, strings.HasPrefix(res.ResponseID, "resp_"))
	assert.Equal(t, "Hi there.", res.OutputText)
	assert.Equal(t, domain.ResponseStatusCompleted, res.Status)
	assert.GreaterOrEqual(t, res.Usage.PromptTokens, 0)
	assert.GreaterOrEqual(t, res.Usage.CompletionTokens, 0)

	msgs, err := f.store.GetThreadMessages(ctx, res.ThreadID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello!", msgs[0].Content.PlainText())
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)

	resp, err := f.store.GetResponse(ctx, res.ResponseID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, domain.ResponseStatusCompleted, resp.Status)
	assert.Equal(t, msgs[0].MessageID, resp.RequestMessageID)
	assert.Equal(t, msgs[1].MessageID, resp.OutputMessageID)

	// The prompt ends with the new turn and holds it only once.
	req := f.llm.Requests()[0]
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, "Hello!", last.Content.PlainText())
	count := 0
	for _, m := range req.Messages {
		if m.Role == domain.RoleUser {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRespondContinuesPreviousResponse(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.TextReply("first"), helpers.TextReply("second"))
	ctx := context.Background()

	first, err := f.svc.Respond(ctx, domain.TurnRequest{InputText: "one"})
	require.NoError(t, err)
	second, err := f.svc.Respond(ctx, domain.TurnRequest{InputText: "two", PreviousResponseID: first.ResponseID})
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, second.ThreadID)

	req := f.llm.Requests()[1]
	var texts []string
	for _, m := range req.Messages[1:] {
		texts = append(texts, m.Content.PlainText())
	}
	assert.Equal(t, []string{"one", "first", "two"}, texts)
}

func TestRespondToolCallMakesOneFollowUp(t *testing.T) {
	tests := []struct {
		name    string
		tool    echoTool
		args    string
		pol     service.PolicyEvaluator
		wantSub string
	}{
		{name: "success", args: `{"text":"ping"}`, wantSub: `"echo":"ping"`},
		{name: "invalid arguments", args: `{}`, wantSub: `"error"`},
		{name: "malformed arguments", args: `{not json`, wantSub: `"error"`},
		{name: "tool failure", tool: echoTool{err: errors.New("boom")}, args: `{"text":"ping"}`, wantSub: `boom`},
		{name: "policy block", args: `{"text":"ping"}`, pol: stubPolicy{decision: policy.DecisionBlock, reason: "nope"}, wantSub: `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.tool, tt.pol,
				helpers.ToolCallReply("echo", tt.args),
				helpers.TextReply("done"))

			res, err := f.svc.Respond(context.Background(), domain.TurnRequest{InputText: "use the tool"})
			require.NoError(t, err)
			assert.Equal(t, "done", res.OutputText)
			require.Equal(t, 2, f.llm.Calls())

			follow := f.llm.Requests()[1]
			assert.Equal(t, "none", follow.ToolChoice)
			tm := toolMessages(follow.Messages)
			require.Len(t, tm, 1)
			assert.Equal(t, "call_test", tm[0].ToolCallID)
			assert.Contains(t, tm[0].Content.PlainText(), tt.wantSub)

			prev := follow.Messages[len(follow.Messages)-2]
			assert.Equal(t, domain.RoleAssistant, prev.Role)
			require.Len(t, prev.ToolCalls, 1)

			// usage of both calls is summed
			assert.Equal(t, 30, res.Usage.TotalTokens)
		})
	}
}

func TestRespondUnknownToolSkipsToolStep(t *testing.T) {
	f := newFixture(t, echoTool{}, nil, helpers.ToolCallReply("missing", `{}`))

	_, err := f.svc.Respond(context.Background(), domain.TurnRequest{InputText: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.llm.Calls())
}

func TestRespondSecondToolRequestIgnored(t *testing.T) {
	f := newFixture(t, echoTool{}, nil,
		helpers.ToolCallReply("echo", `{"text":"a"}`),
		helpers.ToolCallReply("echo", `{"text":"b"}`))

	_, err := f.svc.Respond(context.Background(), domain.TurnRequest{InputText: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.llm.Calls())
}

func TestRespondBackendDown(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.ErrorReply(&llm.StatusError{StatusCode: 503, Message: "down"}))
	ctx := context.Background()

	_, err := f.svc.Respond(ctx, domain.TurnRequest{ThreadID: "thr_fixed", InputText: "Hello!"})
	require.Error(t, err)
	te, ok := domain.AsTurnError(err)
	require.True(t, ok)
	assert.Equal(t, domain.TurnErrorBackend, te.Kind)
	assert.NotEmpty(t, te.TraceID)
	assert.Empty(t, te.ResponseID)

	msgs, err := f.store.GetThreadMessages(ctx, "thr_fixed", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
}

func TestRespondInvalidInput(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.svc.Respond(context.Background(), domain.TurnRequest{InputText: "  "})
	te, ok := domain.AsTurnError(err)
	require.True(t, ok)
	assert.Equal(t, domain.TurnErrorInvalid, te.Kind)
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
	assert.Equal(t, 0, f.llm.Calls())
}

func TestRespondWithoutStore(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.TextReply("ok"))
	ctx := context.Background()
	off := false

	res, err := f.svc.Respond(ctx, domain.TurnRequest{InputText: "secret", Store: &off})
	require.NoError(t, err)

	n, err := f.store.CountThreadMessages(ctx, res.ThreadID)
	require.NoError(t, err)
	assert.Zero(t, n)

	resp, err := f.store.GetResponse(ctx, res.ResponseID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Empty(t, resp.RequestMessageID)
	assert.Empty(t, resp.OutputMessageID)
}

func TestRespondExtractsFacts(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.TextReply("Nice to meet you."), helpers.TextReply("Alice."))
	ctx := context.Background()

	first, err := f.svc.Respond(ctx, domain.TurnRequest{InputText: "My name is Alice."})
	require.NoError(t, err)
	_, err = f.svc.Respond(ctx, domain.TurnRequest{ThreadID: first.ThreadID, InputText: "What is my name?"})
	require.NoError(t, err)

	req := f.llm.Requests()[1]
	assert.Contains(t, req.Messages[1].Content.PlainText(), "user.name = Alice")
}

func TestRespondSchedulesFold(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.TextReply("ok"))
	f.cfg.SummarizeAfterMessages = 2
	f.llm.Route = func(req *llm.ChatCompletionRequest) (helpers.Reply, bool) {
		last := req.Messages[len(req.Messages)-1].Content.PlainText()
		if strings.Contains(last, "Conversation:") {
			return helpers.TextReply("Facts: greeting"), true
		}
		return helpers.Reply{}, false
	}
	ctx := context.Background()

	res, err := f.svc.Respond(ctx, domain.TurnRequest{InputText: "hello"})
	require.NoError(t, err)
	f.svc.Close()

	summary, err := f.svc.GetSummary(ctx, res.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "Facts: greeting", summary.Content)
}

func TestSummarize(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.TextReply("ok"), helpers.TextReply("Facts: x"))
	ctx := context.Background()

	_, err := f.svc.Summarize(ctx, "thr_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	res, err := f.svc.Respond(ctx, domain.TurnRequest{InputText: "hello"})
	require.NoError(t, err)
	summary, err := f.svc.Summarize(ctx, res.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "Facts: x", summary)
}

func TestQueries(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.TextReply("answer"))
	ctx := context.Background()

	res, err := f.svc.Respond(ctx, domain.TurnRequest{InputText: "question"})
	require.NoError(t, err)

	detail, err := f.svc.GetResponse(ctx, res.ResponseID)
	require.NoError(t, err)
	assert.Equal(t, "answer", detail.OutputText)

	_, err = f.svc.GetResponse(ctx, "resp_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	msgs, err := f.svc.GetThreadMessages(ctx, res.ThreadID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleAssistant, msgs[0].Role)

	_, err = f.svc.GetThreadMessages(ctx, "thr_missing", 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	summary, err := f.svc.GetSummary(ctx, res.ThreadID)
	require.NoError(t, err)
	assert.Empty(t, summary.Content)

	report, err := f.svc.InspectContext(ctx, res.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, res.ThreadID, report.ThreadID)
	assert.Equal(t, 3, len(report.Messages))
	assert.LessOrEqual(t, report.Used, report.Budget)
	assert.Equal(t, report.Budget-report.Used, report.Remaining)

	models, err := f.svc.ListModels(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, models)
}

// failingStore fails CompleteTurn and, optionally, InsertResponse.
type failingStore struct {
	*repository.SQLiteStore
	insertErr error
}

func (s *failingStore) CompleteTurn(context.Context, *domain.Message, *domain.Response) error {
	return errors.New("disk I/O error")
}

func (s *failingStore) InsertResponse(ctx context.Context, resp *domain.Response) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.SQLiteStore.InsertResponse(ctx, resp)
}

func TestRespondPersistenceFailure(t *testing.T) {
	tests := []struct {
		name      string
		insertErr error
		pollable  bool
	}{
		{name: "error response recorded", pollable: true},
		{name: "nothing recorded", insertErr: errors.New("database is locked")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := config.Default()
			cfg.SummarizeAfterMessages = 0
			store := &failingStore{SQLiteStore: helpers.NewTestSQLiteStore(t), insertErr: tt.insertErr}
			svc := service.New(store, helpers.NewScriptedLLM(helpers.TextReply("lost")), tools.NewRegistry(), nil, cfg, nil)
			t.Cleanup(svc.Close)

			_, err := svc.Respond(ctx, domain.TurnRequest{InputText: "hello"})
			te, ok := domain.AsTurnError(err)
			require.True(t, ok)
			assert.Equal(t, domain.TurnErrorPersistence, te.Kind)
			assert.NotEmpty(t, te.TraceID)

			if !tt.pollable {
				assert.Empty(t, te.ResponseID)
				return
			}
			require.NotEmpty(t, te.ResponseID)
			detail, err := svc.GetResponse(ctx, te.ResponseID)
			require.NoError(t, err)
			assert.Equal(t, domain.ResponseStatusError, detail.Status)
			assert.Contains(t, detail.Error, "disk I/O error")
			assert.Empty(t, detail.OutputText)
		})
	}
}

func TestSummarizeNothingToFold(t *testing.T) {
	f := newFixture(t, nil, nil, helpers.TextReply("ok"))
	ctx := context.Background()
	off := false

	res, err := f.svc.Respond(ctx, domain.TurnRequest{InputText: "unstored", Store: &off})
	require.NoError(t, err)

	summary, err := f.svc.Summarize(ctx, res.ThreadID)
	require.NoError(t, err)
	assert.Empty(t, summary)
	assert.Equal(t, 1, f.llm.Calls())
}
