package loop

import (
	"context"
	"strings"
	"testing"

	"github.com/skillhost/skillhost/internal/execution"
	"github.com/skillhost/skillhost/internal/protocol"
)

type fakeExecutor struct {
	calls []execution.Request
	resp  *execution.Response
}

func (f *fakeExecutor) Execute(_ context.Context, req execution.Request) (*execution.Response, error) {
	f.calls = append(f.calls, req)
	if f.resp != nil {
		return f.resp, nil
	}
	return &execution.Response{
		Success: true,
		Result:  &execution.Result{Status: "success", Format: execution.FormatObject, Data: map[string]any{"ok": true}},
	}, nil
}

type capture struct {
	text    []string
	results []ToolResult
}

func newAdapter(exec Executor, authorize func(context.Context, protocol.ToolCall, execution.RequestMeta) bool) (*Adapter, *capture) {
	c := &capture{}
	a := New(Config{
		Executor:     exec,
		Session:      execution.RequestMeta{SessionID: "sess-1"},
		Authorize:    authorize,
		OnText:       func(s string) { c.text = append(c.text, s) },
		OnToolResult: func(r ToolResult) { c.results = append(c.results, r) },
	})
	return a, c
}

func TestAdapter_SingleTurn(t *testing.T) {
	exec := &fakeExecutor{}
	a, c := newAdapter(exec, nil)
	ctx := context.Background()

	if err := a.OnChunk(ctx, `Rolling now. <tool_call>{"tool": "dice", "parameters": {"sides": 6}}</tool_call> Done!`); err != nil {
		t.Fatal(err)
	}
	if err := a.OnEnd(ctx); err != nil {
		t.Fatal(err)
	}

	if len(exec.calls) != 1 || exec.calls[0].SkillName != "dice" {
		t.Fatalf("calls = %+v", exec.calls)
	}
	if exec.calls[0].Context.SessionID != "sess-1" {
		t.Errorf("session not propagated: %+v", exec.calls[0].Context)
	}
	if len(c.results) != 1 || !c.results[0].Response.Success {
		t.Fatalf("results = %+v", c.results)
	}
	joined := strings.Join(c.text, "")
	if !strings.Contains(joined, "Rolling now.") || !strings.Contains(joined, "Done!") {
		t.Errorf("text = %q", joined)
	}
	if strings.Contains(joined, "<tool_call>") {
		t.Errorf("sentinels leaked into text: %q", joined)
	}
}

func TestAdapter_CallSplitAcrossChunks(t *testing.T) {
	exec := &fakeExecutor{}
	a, c := newAdapter(exec, nil)
	ctx := context.Background()

	chunks := []string{
		`thinking <tool_`,
		`call>{"tool": "dice",`,
		` "parameters": {}}</tool_call> after`,
	}
	for _, chunk := range chunks {
		if err := a.OnChunk(ctx, chunk); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.OnEnd(ctx); err != nil {
		t.Fatal(err)
	}

	if len(exec.calls) != 1 {
		t.Fatalf("calls = %d, want call assembled across chunks", len(exec.calls))
	}
	if len(c.results) != 1 {
		t.Fatalf("results = %d", len(c.results))
	}
	joined := strings.Join(c.text, "")
	if !strings.Contains(joined, "thinking ") || !strings.Contains(joined, " after") {
		t.Errorf("text = %q", joined)
	}
}

func TestAdapter_AuthorizeDenies(t *testing.T) {
	exec := &fakeExecutor{}
	deny := func(_ context.Context, call protocol.ToolCall, _ execution.RequestMeta) bool {
		return call.Tool != "forbidden"
	}
	a, c := newAdapter(exec, deny)
	ctx := context.Background()

	a.OnChunk(ctx, `<tool_call>{"tool": "forbidden", "parameters": {}}</tool_call>`)
	a.OnChunk(ctx, `<tool_call>{"tool": "allowed", "parameters": {}}</tool_call>`)
	a.OnEnd(ctx)

	if len(exec.calls) != 1 || exec.calls[0].SkillName != "allowed" {
		t.Fatalf("executed = %+v", exec.calls)
	}
	if len(c.results) != 2 {
		t.Fatalf("results = %d", len(c.results))
	}
	denied := c.results[0]
	if denied.Response.Success || denied.Response.Error.Code != execution.CodePermissionDenied {
		t.Errorf("denied result = %+v", denied.Response)
	}
}

func TestAdapter_BadBlockDroppedOthersRun(t *testing.T) {
	exec := &fakeExecutor{}
	a, c := newAdapter(exec, nil)
	ctx := context.Background()

	chunk := `before <tool_call>{"tool": "dice", "parameters": {}}</tool_call>` +
		` mid <tool_call>no json here at all</tool_call> after`
	if err := a.OnChunk(ctx, chunk); err != nil {
		t.Fatal(err)
	}
	if err := a.OnEnd(ctx); err != nil {
		t.Fatal(err)
	}

	if len(exec.calls) != 1 || exec.calls[0].SkillName != "dice" {
		t.Fatalf("calls = %+v", exec.calls)
	}
	joined := strings.Join(c.text, "")
	if !strings.Contains(joined, "before ") || !strings.Contains(joined, " mid ") || !strings.Contains(joined, " after") {
		t.Errorf("text = %q", joined)
	}
	if strings.Contains(joined, "no json here") || strings.Contains(joined, "<tool_call>") {
		t.Errorf("undecodable block leaked into text: %q", joined)
	}
}

func TestAdapter_UnterminatedFallsBackAtEnd(t *testing.T) {
	exec := &fakeExecutor{}
	a, c := newAdapter(exec, nil)
	ctx := context.Background()

	a.OnChunk(ctx, `leading text <tool_call>{"tool": "dice"`)
	if a.Pending() == 0 {
		t.Fatal("partial call should stay buffered")
	}
	a.OnEnd(ctx)

	if len(exec.calls) != 0 {
		t.Errorf("executed despite unterminated call: %+v", exec.calls)
	}
	joined := strings.Join(c.text, "")
	if !strings.Contains(joined, `<tool_call>{"tool": "dice"`) {
		t.Errorf("fallback text = %q", joined)
	}
}

func TestAdapter_PlainTextOnly(t *testing.T) {
	exec := &fakeExecutor{}
	a, c := newAdapter(exec, nil)
	ctx := context.Background()

	a.OnChunk(ctx, "just a normal ")
	a.OnChunk(ctx, "answer.")
	a.OnEnd(ctx)

	if len(exec.calls) != 0 || len(c.results) != 0 {
		t.Errorf("unexpected executions: %+v", c.results)
	}
	if got := strings.Join(c.text, ""); got != "just a normal answer." {
		t.Errorf("text = %q", got)
	}
}
