package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"askbridge/internal/cookies"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "profiles"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ts := cookies.New(cookies.OriginManual, map[string]string{"cf_clearance": "c", "session": "s"})
	if err := s.Save(ctx, "work", ts); err != nil {
		t.Fatalf("Save: %v", err)
	}

	p, err := s.Load(ctx, "work")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !p.Tokens.Equal(ts) {
		t.Errorf("expected tokens %v, got %v", ts.Tokens, p.Tokens.Tokens)
	}
	if p.Tokens.Origin != cookies.OriginPersisted {
		t.Errorf("expected persisted origin, got %q", p.Tokens.Origin)
	}
	if p.LastUsed.IsZero() {
		t.Error("expected last-used timestamp")
	}

	info, err := os.Stat(filepath.Join(s.Dir(), "work.json"))
	if err != nil {
		t.Fatalf("stat profile file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Load(context.Background(), "ghost")
	if p != nil {
		t.Error("expected nil profile for missing name")
	}
	if !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestFileStoreCorruptFileIsNotPartial(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte(`{"a": "1",`), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := s.Load(context.Background(), "broken")
	if err == nil || p != nil {
		t.Errorf("expected decode error and no profile, got %v %v", p, err)
	}
}

func TestFileStoreListSortedAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ts := cookies.New(cookies.OriginManual, map[string]string{"k": "v"})

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := s.Save(ctx, name, ts); err != nil {
			t.Fatalf("Save %s: %v", name, err)
		}
	}
	// Stray files are ignored.
	_ = os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o600)

	names, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], names[i])
		}
	}

	if err := s.Delete(ctx, "mid"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "mid"); !IsNotFound(err) {
		t.Errorf("expected not-found on second delete, got %v", err)
	}
	names, _ = s.List(ctx)
	if len(names) != 2 {
		t.Errorf("expected 2 profiles after delete, got %v", names)
	}
}

func TestFileStoreTouch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ts := cookies.New(cookies.OriginManual, map[string]string{"k": "v"})
	if err := s.Save(ctx, "p", ts); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(s.Dir(), "p.json"), old, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Touch(ctx, "p"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	p, err := s.Load(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(p.LastUsed) > time.Minute {
		t.Errorf("expected touched timestamp, got %v", p.LastUsed)
	}
	if err := s.Touch(ctx, "nobody"); !IsNotFound(err) {
		t.Errorf("expected not-found for touch of missing profile, got %v", err)
	}
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"default", "auto_chrome", "automation_profile", "a.b-c"} {
		if err := ValidateName(ok); err != nil {
			t.Errorf("expected %q valid: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "../etc", "a/b", ".hidden", "with space"} {
		if err := ValidateName(bad); err == nil {
			t.Errorf("expected %q invalid", bad)
		}
	}
}

func TestSaveRejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(context.Background(), "empty", cookies.TokenSet{}); err == nil {
		t.Error("expected error saving empty token set")
	}
}

func TestLoadAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Save(ctx, "a", cookies.New(cookies.OriginManual, map[string]string{"x": "1"}))
	_ = s.Save(ctx, "b", cookies.New(cookies.OriginManual, map[string]string{"x": "2"}))

	all, err := LoadAll(ctx, s, nil)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 2 || all[0].Name != "a" || all[1].Name != "b" {
		t.Errorf("unexpected profiles %+v", all)
	}
}

func TestLoadAllSkipsCorruptProfile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Save(ctx, "work", cookies.New(cookies.OriginManual, map[string]string{"x": "1"}))
	if err := os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte(`[{"name":"x","value":"1"}]`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load(ctx, "broken"); !IsCorrupt(err) {
		t.Errorf("expected corrupt error, got %v", err)
	}
	all, err := LoadAll(ctx, s, nil)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 1 || all[0].Name != "work" {
		t.Errorf("unexpected profiles %+v", all)
	}
}
