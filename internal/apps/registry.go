package apps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"argus/internal/logging"
	"argus/internal/store"
)

// Registry resolves generated applications between disk and database. The
// database is authoritative for ports; disk is authoritative for existence.
type Registry struct {
	store    appStore
	appsRoot string
	logger   logging.Logger
	cache    *lru.Cache[string, *store.App]
}

// appStore is the store subset the registry uses.
type appStore interface {
	RegisterApp(ctx context.Context, model, provider string, appNum int) (*store.App, error)
	GetApp(ctx context.Context, model string, appNum int) (*store.App, error)
	ListApps(ctx context.Context) ([]*store.App, error)
	MarkAppMissing(ctx context.Context, model string, appNum int) error
	ClearAppMissing(ctx context.Context, model string, appNum int) error
	DeleteAppsMissingLongerThan(ctx context.Context, grace time.Duration) (int, error)
}

const cacheSize = 512

// NewRegistry builds an app registry over the store and apps directory.
func NewRegistry(s appStore, appsRoot string, logger logging.Logger) (*Registry, error) {
	cache, err := lru.New[string, *store.App](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("app cache: %w", err)
	}
	return &Registry{
		store:    s,
		appsRoot: appsRoot,
		logger:   logging.OrNop(logger),
		cache:    cache,
	}, nil
}

func cacheKey(model string, appNum int) string {
	return fmt.Sprintf("%s/app%d", model, appNum)
}

// Dir returns the application's directory under the apps root.
func (r *Registry) Dir(model string, appNum int) string {
	return filepath.Join(r.appsRoot, Slug(model), fmt.Sprintf("app%d", appNum))
}

// Exists reports whether the application's directory is present on disk.
func (r *Registry) Exists(model string, appNum int) bool {
	info, err := os.Stat(r.Dir(model, appNum))
	return err == nil && info.IsDir()
}

// Resolve returns the app record, registering it on first sight. The
// directory must exist on disk.
func (r *Registry) Resolve(ctx context.Context, model string, appNum int) (*store.App, error) {
	slug := Slug(model)
	if app, ok := r.cache.Get(cacheKey(slug, appNum)); ok {
		return app, nil
	}
	if !r.Exists(model, appNum) {
		return nil, fmt.Errorf("app %s/app%d not found on disk", slug, appNum)
	}
	app, err := r.store.RegisterApp(ctx, slug, Provider(model), appNum)
	if err != nil {
		return nil, err
	}
	r.cache.Add(cacheKey(slug, appNum), app)
	return app, nil
}

// Invalidate drops a cached app entry.
func (r *Registry) Invalidate(model string, appNum int) {
	r.cache.Remove(cacheKey(Slug(model), appNum))
}

var appDirPattern = regexp.MustCompile(`^app(\d+)$`)

// DiscoverDisk walks the apps root and returns every model/app pair present.
func (r *Registry) DiscoverDisk() (map[string][]int, error) {
	models, err := os.ReadDir(r.appsRoot)
	if err != nil {
		return nil, fmt.Errorf("read apps root: %w", err)
	}
	found := make(map[string][]int)
	for _, modelDir := range models {
		if !modelDir.IsDir() {
			continue
		}
		apps, err := os.ReadDir(filepath.Join(r.appsRoot, modelDir.Name()))
		if err != nil {
			r.logger.Warn("apps: unreadable model dir %s: %v", modelDir.Name(), err)
			continue
		}
		for _, appDir := range apps {
			if !appDir.IsDir() {
				continue
			}
			m := appDirPattern.FindStringSubmatch(appDir.Name())
			if m == nil {
				continue
			}
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= 0 {
				continue
			}
			found[modelDir.Name()] = append(found[modelDir.Name()], n)
		}
	}
	return found, nil
}

// SweepResult summarises one orphan sweep.
type SweepResult struct {
	Marked  int
	Cleared int
	Deleted int
}

// SweepOrphans reconciles the database against disk: apps gone from disk get
// a missing stamp, apps back on disk get it cleared, and apps missing longer
// than grace are deleted.
func (r *Registry) SweepOrphans(ctx context.Context, grace time.Duration) (SweepResult, error) {
	var res SweepResult

	onDisk, err := r.DiscoverDisk()
	if err != nil {
		return res, err
	}
	present := make(map[string]bool)
	for model, nums := range onDisk {
		for _, n := range nums {
			present[cacheKey(Slug(model), n)] = true
		}
	}

	registered, err := r.store.ListApps(ctx)
	if err != nil {
		return res, err
	}
	for _, app := range registered {
		key := cacheKey(app.Model, app.AppNum)
		if present[key] {
			if app.MissingSince != nil {
				if err := r.store.ClearAppMissing(ctx, app.Model, app.AppNum); err != nil {
					return res, err
				}
				res.Cleared++
			}
			continue
		}
		if app.MissingSince == nil {
			if err := r.store.MarkAppMissing(ctx, app.Model, app.AppNum); err != nil {
				return res, err
			}
			res.Marked++
		}
		r.cache.Remove(key)
	}

	deleted, err := r.store.DeleteAppsMissingLongerThan(ctx, grace)
	if err != nil {
		return res, err
	}
	res.Deleted = deleted
	if res.Marked > 0 || res.Deleted > 0 {
		r.logger.Info("apps: orphan sweep marked=%d cleared=%d deleted=%d", res.Marked, res.Cleared, res.Deleted)
	}
	return res, nil
}
