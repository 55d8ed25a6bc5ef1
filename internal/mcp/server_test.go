package mcp

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"askbridge/internal/apierr"
	"askbridge/internal/bridge"
	"askbridge/internal/browser"
	"askbridge/internal/config"
	"askbridge/internal/cookies"
	"askbridge/internal/credstore"
	"askbridge/internal/session"
	"askbridge/internal/stream"
	"askbridge/internal/transport"

	"github.com/mark3labs/mcp-go/mcp"
)

type echoSender struct{}

func (echoSender) Send(_ context.Context, req transport.Request) (*transport.Response, error) {
	return &transport.Response{
		Answer:  stream.Answer{Text: "echo: " + req.Query, Citations: []stream.Citation{}},
		Status:  200,
		Session: req.Session,
	}, nil
}

type storeStrategy struct {
	store credstore.Store
}

func (s storeStrategy) Name() string { return config.StrategyCached }

func (s storeStrategy) Acquire(ctx context.Context, req session.Request) (*session.Context, error) {
	p, err := s.store.Load(ctx, "default")
	if err != nil {
		return nil, err
	}
	return &session.Context{Tokens: p.Tokens, Profile: p.Name}, nil
}

type fixedPool struct{ stats browser.PoolStats }

func (p fixedPool) Stats() browser.PoolStats { return p.stats }

type testEnv struct {
	server   *Server
	store    credstore.Store
	sessions *session.Manager
	ledger   *session.Ledger
}

func setupTestServerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"
	return cfg
}

func newTestEnv(t *testing.T, pool PoolStatter) *testEnv {
	t.Helper()
	store, err := credstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for name, tok := range map[string]string{"default": "secret-session-value", "work": "other-session-value"} {
		ts := cookies.New(cookies.OriginManual, map[string]string{cookies.SessionTokenName: tok, "pplx.visitor-id": "v1"})
		if err := store.Save(ctx, name, ts); err != nil {
			t.Fatal(err)
		}
	}

	ledger, err := session.NewLedger(config.LedgerConfig{Enable: true, FactBufferLimit: 100})
	if err != nil {
		t.Fatal(err)
	}
	pipeline := session.NewPipeline([]session.Strategy{storeStrategy{store: store}}, session.WithLedger(ledger))
	mgr := session.NewManager(pipeline)
	svc := bridge.NewService(mgr, echoSender{}, bridge.WithDefaultProfile("default"))

	server, err := NewServer(setupTestServerConfig(), Deps{
		Service:  svc,
		Store:    store,
		Pipeline: pipeline,
		Sessions: mgr,
		Ledger:   ledger,
		Pool:     pool,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &testEnv{server: server, store: store, sessions: mgr, ledger: ledger}
}

func TestNewServerRegistersTools(t *testing.T) {
	env := newTestEnv(t, nil)
	want := []string{"ask", "batch-ask", "list-profiles", "show-profile", "delete-profile", "connection-summary", "pool-stats"}
	for _, name := range want {
		if _, ok := env.server.tools[name]; !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
	if len(env.server.ToolNames()) != len(want) {
		t.Errorf("tools = %v", env.server.ToolNames())
	}
}

func TestNewServerRequiresService(t *testing.T) {
	if _, err := NewServer(setupTestServerConfig(), Deps{}); err == nil {
		t.Error("expected error without a service")
	}
}

func TestAskTool(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	out, err := env.server.ExecuteTool(ctx, "ask", map[string]interface{}{"query": "ping", "mode": "pro", "sources": []interface{}{"web", "academic"}})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	res, ok := out.(*bridge.Result)
	if !ok {
		t.Fatalf("unexpected result type %T", out)
	}
	if res.Answer.Text != "echo: ping" || res.Path != bridge.PathHTTP {
		t.Errorf("result = %+v", res)
	}

	if _, err := env.server.ExecuteTool(ctx, "ask", map[string]interface{}{"query": "x", "mode": "deep_research", "model": "gpt-5"}); apierr.KindOf(err) != apierr.KindInvalidParameter {
		t.Errorf("incompatible model: err = %v", err)
	}
	if _, err := env.server.ExecuteTool(ctx, "ask", map[string]interface{}{}); err == nil {
		t.Error("expected error for missing query")
	}
}

func TestBatchAskTool(t *testing.T) {
	env := newTestEnv(t, nil)
	out, err := env.server.ExecuteTool(context.Background(), "batch-ask", map[string]interface{}{
		"queries":     []interface{}{"a", "b", "c"},
		"concurrency": float64(2),
	})
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]interface{})
	items := m["items"].([]bridge.BatchItem)
	if len(items) != 3 || m["failed"].(int) != 0 || items[2].Result.Answer.Text != "echo: c" {
		t.Errorf("batch = %+v", m)
	}
}

func TestProfileTools(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	out, err := env.server.ExecuteTool(ctx, "list-profiles", nil)
	if err != nil {
		t.Fatal(err)
	}
	profiles := out.(map[string]interface{})["profiles"].([]profileSummary)
	if len(profiles) != 2 || profiles[0].Name != "default" || profiles[1].Name != "work" || !profiles[0].Session {
		t.Errorf("profiles = %+v", profiles)
	}

	out, err = env.server.ExecuteTool(ctx, "show-profile", map[string]interface{}{"name": "default"})
	if err != nil {
		t.Fatal(err)
	}
	payload := string(marshalToolPayload("show-profile", out))
	if strings.Contains(payload, "secret-session-value") {
		t.Errorf("value leaked: %s", payload)
	}
	if !strings.Contains(payload, cookies.SessionTokenName) {
		t.Errorf("token name missing: %s", payload)
	}

	// Build an active session, then delete its profile.
	if _, err := env.server.ExecuteTool(ctx, "ask", map[string]interface{}{"query": "warm up"}); err != nil {
		t.Fatal(err)
	}
	if len(env.sessions.Active()) != 1 {
		t.Fatal("expected an active session")
	}
	if _, err := env.server.ExecuteTool(ctx, "delete-profile", map[string]interface{}{"name": "default"}); err != nil {
		t.Fatal(err)
	}
	if len(env.sessions.Active()) != 0 {
		t.Error("active session survived profile deletion")
	}
	if _, err := env.store.Load(ctx, "default"); !credstore.IsNotFound(err) {
		t.Errorf("profile still stored: %v", err)
	}
}

func TestConnectionSummaryTool(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.server.ExecuteTool(ctx, "ask", map[string]interface{}{"query": "hi"}); err != nil {
		t.Fatal(err)
	}

	out, err := env.server.ExecuteTool(ctx, "connection-summary", nil)
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]interface{})
	if !strings.Contains(m["summary"].(string), "Active method: cached") {
		t.Errorf("summary = %q", m["summary"])
	}
	if active := m["active"].([]activeSession); len(active) != 1 || active[0].Strategy != config.StrategyCached {
		t.Errorf("active = %+v", active)
	}
	health := m["health"].(session.Health)
	if len(health.Succeeded) != 1 || health.Succeeded[0] != config.StrategyCached {
		t.Errorf("health = %+v", health)
	}
}

func TestPoolStatsTool(t *testing.T) {
	ctx := context.Background()
	out, _ := newTestEnv(t, nil).server.ExecuteTool(ctx, "pool-stats", nil)
	if out.(map[string]interface{})["enabled"] != false {
		t.Errorf("disabled pool: %+v", out)
	}

	env := newTestEnv(t, fixedPool{stats: browser.PoolStats{Size: 5, Live: 2, Idle: 1, Active: 1}})
	out, _ = env.server.ExecuteTool(ctx, "pool-stats", nil)
	if st := out.(map[string]interface{})["stats"].(browser.PoolStats); st.Live != 2 || st.Size != 5 {
		t.Errorf("stats = %+v", st)
	}
}

func TestWrapToolReportsErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	handler := env.server.wrapTool(env.server.tools["show-profile"])

	var req mcp.CallToolRequest
	req.Params.Arguments = map[string]interface{}{"name": "missing"}
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("expected IsError for a missing profile")
	}

	req.Params.Arguments = map[string]interface{}{"name": "work"}
	res, _ = handler(context.Background(), req)
	if res.IsError {
		t.Errorf("unexpected error result: %+v", res.Content)
	}
	text := res.Content[0].(mcp.TextContent).Text
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil || decoded["name"] != "work" {
		t.Errorf("payload = %s", text)
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("bad", map[string]interface{}{"x": math.Inf(1)})
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("fallback not JSON: %s", payload)
	}
	if decoded["success"] != false {
		t.Errorf("fallback = %v", decoded)
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{"list": "a, b,,c", "arr": []interface{}{"x", " "}, "n": float64(4), "b": true}
	if got := getListArg(args, "list"); len(got) != 3 || got[2] != "c" {
		t.Errorf("list = %v", got)
	}
	if got := getListArg(args, "arr"); len(got) != 1 {
		t.Errorf("arr = %v", got)
	}
	if getIntArg(args, "n", 0) != 4 || !getBoolArg(args, "b", false) || getIntArg(args, "missing", 7) != 7 {
		t.Error("scalar helpers")
	}
}
