package apps

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/logging"
	"argus/internal/store"
)

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Claude-3.5-Sonnet":           "claude_3_5_sonnet",
		"claude_3_5_sonnet":           "claude_3_5_sonnet",
		"GPT-4o_openai":               "gpt_4o",
		"Llama--3//70B":               "llama_3_70b",
		"  spaced model  ":            "spaced_model",
		"Gemini-1.5-Pro_google":       "gemini_1_5_pro",
		"model.with.dots_anthropic":   "model_with_dots",
		"_openai":                     "openai",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), "Slug(%q)", in)
	}
}

func TestProvider(t *testing.T) {
	assert.Equal(t, "openai", Provider("GPT-4o_openai"))
	assert.Equal(t, "anthropic", Provider("claude-3_anthropic"))
	assert.Equal(t, "", Provider("claude_3_5_sonnet"))
}

// fakeAppStore records calls and serves canned apps.
type fakeAppStore struct {
	apps       map[string]*store.App
	registered []string
	marked     []string
	cleared    []string
	deleted    int
}

func newFakeAppStore() *fakeAppStore {
	return &fakeAppStore{apps: make(map[string]*store.App)}
}

func (f *fakeAppStore) RegisterApp(_ context.Context, model, provider string, appNum int) (*store.App, error) {
	f.registered = append(f.registered, cacheKey(model, appNum))
	app := &store.App{Model: model, AppNum: appNum, Provider: provider, BackendPort: 6000, FrontendPort: 6001}
	f.apps[cacheKey(model, appNum)] = app
	return app, nil
}

func (f *fakeAppStore) GetApp(_ context.Context, model string, appNum int) (*store.App, error) {
	return f.apps[cacheKey(model, appNum)], nil
}

func (f *fakeAppStore) ListApps(_ context.Context) ([]*store.App, error) {
	var out []*store.App
	for _, a := range f.apps {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAppStore) MarkAppMissing(_ context.Context, model string, appNum int) error {
	f.marked = append(f.marked, cacheKey(model, appNum))
	now := time.Now()
	f.apps[cacheKey(model, appNum)].MissingSince = &now
	return nil
}

func (f *fakeAppStore) ClearAppMissing(_ context.Context, model string, appNum int) error {
	f.cleared = append(f.cleared, cacheKey(model, appNum))
	f.apps[cacheKey(model, appNum)].MissingSince = nil
	return nil
}

func (f *fakeAppStore) DeleteAppsMissingLongerThan(_ context.Context, _ time.Duration) (int, error) {
	return f.deleted, nil
}

func mkApp(t *testing.T, root, model string, appNum int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, model, "app"+string(rune('0'+appNum))), 0o755))
}

func TestResolveRegistersOnFirstSight(t *testing.T) {
	root := t.TempDir()
	mkApp(t, root, "gpt_4o", 1)

	fake := newFakeAppStore()
	r, err := NewRegistry(fake, root, logging.Nop())
	require.NoError(t, err)

	app, err := r.Resolve(context.Background(), "GPT-4o", 1)
	require.NoError(t, err)
	assert.Equal(t, "gpt_4o", app.Model)
	assert.Equal(t, []string{"gpt_4o/app1"}, fake.registered)

	// second resolve is served from cache
	_, err = r.Resolve(context.Background(), "GPT-4o", 1)
	require.NoError(t, err)
	assert.Len(t, fake.registered, 1)
}

func TestResolveMissingDirFails(t *testing.T) {
	fake := newFakeAppStore()
	r, err := NewRegistry(fake, t.TempDir(), logging.Nop())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "gpt_4o", 3)
	require.Error(t, err)
	assert.Empty(t, fake.registered)
}

func TestDiscoverDiskSkipsNonAppDirs(t *testing.T) {
	root := t.TempDir()
	mkApp(t, root, "gpt_4o", 1)
	mkApp(t, root, "gpt_4o", 2)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "gpt_4o", "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644))

	r, err := NewRegistry(newFakeAppStore(), root, logging.Nop())
	require.NoError(t, err)

	found, err := r.DiscoverDisk()
	require.NoError(t, err)
	assert.Equal(t, map[string][]int{"gpt_4o": {1, 2}}, found)
}

func TestSweepOrphansMarksAndClears(t *testing.T) {
	root := t.TempDir()
	mkApp(t, root, "gpt_4o", 1)

	fake := newFakeAppStore()
	r, err := NewRegistry(fake, root, logging.Nop())
	require.NoError(t, err)

	// app1 exists on disk but carries a stale missing stamp; app2 is gone
	_, err = fake.RegisterApp(context.Background(), "gpt_4o", "openai", 1)
	require.NoError(t, err)
	stale := time.Now().Add(-time.Hour)
	fake.apps["gpt_4o/app1"].MissingSince = &stale
	_, err = fake.RegisterApp(context.Background(), "gpt_4o", "openai", 2)
	require.NoError(t, err)
	fake.registered = nil
	fake.deleted = 1

	res, err := r.SweepOrphans(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Marked: 1, Cleared: 1, Deleted: 1}, res)
	assert.Equal(t, []string{"gpt_4o/app2"}, fake.marked)
	assert.Equal(t, []string{"gpt_4o/app1"}, fake.cleared)
}
