package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"askbridge/internal/apierr"
	"askbridge/internal/config"
	"askbridge/internal/cookies"
	"askbridge/internal/credstore"
	"askbridge/internal/session"

	"github.com/sirupsen/logrus"
)

func writeConfig(t *testing.T, baseURL, storeDir string) string {
	t.Helper()
	content := "target:\n  base_url: " + baseURL + "\n" +
		"store:\n  dir: " + storeDir + "\n" +
		"session:\n  strategies: [cached]\n" +
		"ledger:\n  enable: false\n" +
		"transport:\n  max_retries: 1\n  backoff_base: 1ms\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func seedProfile(t *testing.T, dir, name, token string) {
	t.Helper()
	store, err := credstore.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ts := cookies.New(cookies.OriginManual, map[string]string{cookies.SessionTokenName: token})
	if err := store.Save(context.Background(), name, ts); err != nil {
		t.Fatal(err)
	}
}

func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCMD()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func answerServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Cookie"), "=good-token") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message\ndata: {\"text\":\"Gophers dig.\"}\n\n")
		_, _ = io.WriteString(w, "event: end_of_stream\ndata: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestQueryCommandJSON(t *testing.T) {
	srv := answerServer(t)
	storeDir := t.TempDir()
	seedProfile(t, storeDir, "default", "good-token")
	cfgPath := writeConfig(t, srv.URL, storeDir)

	out, _, err := runCLI(t, "", "--config", cfgPath, "--no-workspace", "-f", "json", "query", "--no-browser", "what", "do", "gophers", "do")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var doc struct {
		Query  string `json:"query"`
		Answer string `json:"answer"`
		Meta   struct {
			Path string `json:"path"`
		} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if doc.Query != "what do gophers do" || doc.Answer != "Gophers dig." || doc.Meta.Path != "http" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestQueryCommandRejectsBadMode(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1", t.TempDir())
	_, _, err := runCLI(t, "", "--config", cfgPath, "--no-workspace", "--mode", "turbo", "query", "x")
	if apierr.KindOf(err) != apierr.KindInvalidParameter || exitCode(err) != 2 {
		t.Errorf("err = %v (exit %d)", err, exitCode(err))
	}
}

func TestQueryCommandWithoutSessionFails(t *testing.T) {
	srv := answerServer(t)
	cfgPath := writeConfig(t, srv.URL, t.TempDir())
	_, _, err := runCLI(t, "", "--config", cfgPath, "--no-workspace", "query", "--no-browser", "hello")
	if apierr.KindOf(err) != apierr.KindNoSession || exitCode(err) != 3 {
		t.Errorf("err = %v (exit %d)", err, exitCode(err))
	}
}

func TestBatchCommandReadsFile(t *testing.T) {
	srv := answerServer(t)
	storeDir := t.TempDir()
	seedProfile(t, storeDir, "default", "good-token")
	cfgPath := writeConfig(t, srv.URL, storeDir)

	out, _, err := runCLI(t, "# questions\none\n\ntwo\n", "--config", cfgPath, "--no-workspace", "-f", "json", "batch", "--file", "-")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	var items []struct {
		Index int    `json:"index"`
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(items) != 2 || items[0].Query != "one" || items[1].Index != 1 {
		t.Errorf("items = %+v", items)
	}
}

func TestConversationCommand(t *testing.T) {
	srv := answerServer(t)
	storeDir := t.TempDir()
	seedProfile(t, storeDir, "default", "good-token")
	cfgPath := writeConfig(t, srv.URL, storeDir)
	exportPath := filepath.Join(t.TempDir(), "conv.md")

	stdin := "first question\n/history\n/export " + exportPath + "\n/bogus\n/quit\nnever asked\n"
	out, errOut, err := runCLI(t, stdin, "--config", cfgPath, "--no-workspace", "-f", "markdown", "conversation")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if !strings.Contains(out, "Gophers dig.") {
		t.Errorf("answer missing from output: %q", out)
	}
	if !strings.Contains(errOut, "1 turns") || !strings.Contains(errOut, "unknown command /bogus") {
		t.Errorf("stderr = %q", errOut)
	}
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "## Question") || !strings.Contains(string(data), "first question") {
		t.Errorf("export = %s", data)
	}
}

func TestProfilesCommands(t *testing.T) {
	storeDir := t.TempDir()
	cfgPath := writeConfig(t, "https://www.perplexity.ai", storeDir)

	export := filepath.Join(t.TempDir(), "cookies.json")
	body := `[{"name":"` + cookies.SessionTokenName + `","value":"abcdefghijklmnopqrstuvwxyz","domain":".perplexity.ai"},
	          {"name":"other","value":"x","domain":".example.com"}]`
	if err := os.WriteFile(export, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, "", "--config", cfgPath, "--no-workspace", "profiles", "import", "work", export)
	if err != nil || !strings.Contains(out, "imported 1 tokens into work") {
		t.Fatalf("import: %v %q", err, out)
	}

	out, _, err = runCLI(t, "", "--config", cfgPath, "--no-workspace", "profiles", "list")
	if err != nil || !strings.Contains(out, "work") {
		t.Fatalf("list: %v %q", err, out)
	}

	out, _, err = runCLI(t, "", "--config", cfgPath, "--no-workspace", "profiles", "show", "work")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz") || !strings.Contains(out, "abcd...(26 chars)") {
		t.Errorf("show = %q", out)
	}

	if _, _, err := runCLI(t, "", "--config", cfgPath, "--no-workspace", "profiles", "delete", "work"); err != nil {
		t.Fatal(err)
	}
	_, _, err = runCLI(t, "", "--config", cfgPath, "--no-workspace", "profiles", "show", "work")
	if !credstore.IsNotFound(err) {
		t.Errorf("show after delete: %v", err)
	}
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := runCLI(t, "", "init", dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, config.WorkspaceDirName, config.WorkspaceConfigFile)); err != nil {
		t.Errorf("workspace config missing: %v", err)
	}
	if _, _, err := runCLI(t, "", "init", dir); err == nil {
		t.Error("expected error for an existing workspace")
	}
}

func TestBuildStrategiesOrderAndFilter(t *testing.T) {
	store, err := credstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	log := logrus.New()
	log.SetOutput(io.Discard)

	strategies, err := buildStrategies(cfg, store, log, appOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{config.StrategyCached, config.StrategySolve, config.StrategyBrowser, config.StrategyManual, config.StrategyInteractive}
	if len(strategies) != len(want) {
		t.Fatalf("got %d strategies", len(strategies))
	}
	for i, s := range strategies {
		if s.Name() != want[i] {
			t.Errorf("strategy %d = %s, want %s", i, s.Name(), want[i])
		}
	}

	cfg.Session.Strategies = []string{config.StrategyManual, config.StrategyCached}
	strategies, err = buildStrategies(cfg, store, log, appOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(strategies) != 2 || strategies[0].Name() != config.StrategyCached {
		t.Errorf("filtered order not kept: %v", names(strategies))
	}

	off := false
	cfg.Session.Strategies = []string{config.StrategyInteractive}
	cfg.Session.Interactive = &off
	if _, err := buildStrategies(cfg, store, log, appOptions{}); err == nil {
		t.Error("expected error when nothing is enabled")
	}

	cfg = config.DefaultConfig()
	cfg.Session.MergePolicy = "random"
	if _, err := buildStrategies(cfg, store, log, appOptions{}); err == nil {
		t.Error("expected error for an unknown merge policy")
	}
}

func names(ss []session.Strategy) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Name())
	}
	return out
}

func TestReadQueries(t *testing.T) {
	got, err := readQueries(strings.NewReader("  a \n# skip\n\nb\n"))
	if err != nil || len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errors.New("plain"), 1},
		{apierr.New(apierr.KindInvalidParameter, "t", "bad"), 2},
		{apierr.New(apierr.KindAuthentication, "t", "401"), 3},
		{apierr.New(apierr.KindRateLimit, "t", "429"), 4},
		{apierr.New(apierr.KindBotProtection, "t", "403"), 5},
		{apierr.New(apierr.KindNetwork, "t", "down"), 6},
		{context.Canceled, 130},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestNewLoggerLevels(t *testing.T) {
	if l := newLogger(config.ServerConfig{LogLevel: "warn"}, false, io.Discard); l.GetLevel() != logrus.WarnLevel {
		t.Errorf("level = %s", l.GetLevel())
	}
	if l := newLogger(config.ServerConfig{LogLevel: "nonsense"}, false, io.Discard); l.GetLevel() != logrus.InfoLevel {
		t.Errorf("fallback level = %s", l.GetLevel())
	}
	if l := newLogger(config.ServerConfig{LogLevel: "error"}, true, io.Discard); l.GetLevel() != logrus.DebugLevel {
		t.Errorf("verbose level = %s", l.GetLevel())
	}
}
