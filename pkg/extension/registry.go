package extension

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/hive/internal/errors"
	"github.com/vango-dev/hive/internal/metrics"
	"github.com/vango-dev/hive/pkg/foldercache"
)

const tracerName = "github.com/vango-dev/hive/pkg/extension"

// DefaultEntrypoint is the entry file looked up inside each extension folder.
const DefaultEntrypoint = "extension.yaml"

// Options configures a Registry.
type Options struct {
	// Dir holds one folder per slug. Required.
	Dir string

	// Entrypoint is the entry file name inside each folder.
	// Defaults to DefaultEntrypoint.
	Entrypoint string

	// Loader imports modules. Required.
	Loader Loader

	// Cache supplies folder content hashes. Defaults to a private cache.
	Cache *foldercache.Cache

	// Elected enables one-time activation on this worker.
	Elected bool

	// OnActivate runs after a module's own activation, on the elected worker.
	OnActivate func(ctx context.Context, src Source) error

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Stats reports registry instrumentation.
type Stats struct {
	// Imports counts Loader.Load calls.
	Imports int64

	// Reloads counts successful hot re-imports.
	Reloads int64

	// Failures counts failed Loader.Load calls.
	Failures int64

	// Activations counts activation runs started.
	Activations int64
}

// Status describes one cached slug.
type Status struct {
	Slug      string `json:"slug"`
	Version   string `json:"version,omitempty"`
	Stale     bool   `json:"stale,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
	Activated bool   `json:"activated,omitempty"`
}

type memoKey struct {
	slug    string
	version string
}

// cached is the per-slug cache entry.
type cached struct {
	src     Source
	module  Module
	version string

	// failedVersion is the last version whose import failed. It is not
	// retried until the folder content changes again.
	failedVersion string
	failedErr     error
}

// Registry tracks the extensions of one kind for one worker.
type Registry struct {
	kind       Kind
	single     bool
	dir        string
	entrypoint string
	loader     Loader
	cache      *foldercache.Cache
	ownsCache  bool
	elected    bool
	onActivate func(ctx context.Context, src Source) error
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	// mu serializes PerRequestInit.
	mu        sync.Mutex
	previous  []string
	validated map[string]bool
	entries   map[string]*cached
	memo      map[memoKey]Module
	activated map[string]bool

	activations sync.WaitGroup

	imports       atomic.Int64
	reloads       atomic.Int64
	failures      atomic.Int64
	activateCount atomic.Int64
}

// NewPlugins creates a registry where any number of slugs may be active.
func NewPlugins(opts Options) *Registry {
	return newRegistry(KindPlugin, false, opts)
}

// NewThemes creates a registry where at most one slug is active; extra
// slugs after the first are ignored.
func NewThemes(opts Options) *Registry {
	return newRegistry(KindTheme, true, opts)
}

func newRegistry(kind Kind, single bool, opts Options) *Registry {
	if opts.Entrypoint == "" {
		opts.Entrypoint = DefaultEntrypoint
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	r := &Registry{
		kind:       kind,
		single:     single,
		dir:        opts.Dir,
		entrypoint: opts.Entrypoint,
		loader:     opts.Loader,
		cache:      opts.Cache,
		elected:    opts.Elected,
		onActivate: opts.OnActivate,
		logger:     opts.Logger.With("component", "extension", "kind", string(kind)),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		validated:  make(map[string]bool),
		entries:    make(map[string]*cached),
		memo:       make(map[memoKey]Module),
		activated:  make(map[string]bool),
	}
	if r.cache == nil {
		r.cache = foldercache.New(foldercache.Options{Logger: opts.Logger, Metrics: opts.Metrics})
		r.ownsCache = true
	}
	return r
}

// Kind returns the registry's specialization.
func (r *Registry) Kind() Kind { return r.kind }

// Source returns the on-disk location of slug.
func (r *Registry) Source(slug string) Source {
	dir := filepath.Join(r.dir, slug)
	return Source{
		Kind:       r.kind,
		Slug:       slug,
		Dir:        dir,
		Entrypoint: filepath.Join(dir, r.entrypoint),
	}
}

// setupCall is a module captured under the lock and set up after release.
type setupCall struct {
	slug   string
	module Module
}

// PerRequestInit brings the registry in line with active and runs Setup for
// every loaded module against router. It never fails the request: problems
// are logged and reported per slug.
func (r *Registry) PerRequestInit(ctx context.Context, active []string, router chi.Router) Report {
	ctx, span := r.tracer.Start(ctx, "hive.extension.per_request_init",
		trace.WithAttributes(
			attribute.String("hive.extension.kind", string(r.kind)),
			attribute.Int("hive.extension.active", len(active)),
		),
	)
	defer span.End()

	report, calls := r.sync(ctx, normalize(active, r.single))

	for _, c := range calls {
		if err := r.setup(ctx, c, router); err != nil {
			r.logger.Error("extension setup failed", "slug", c.slug, "error", err)
			report.fail(&report.Failed, c.slug, err)
		}
	}

	span.SetAttributes(
		attribute.Int("hive.extension.loaded", len(report.Loaded)),
		attribute.Int("hive.extension.reloaded", len(report.Reloaded)),
		attribute.Int("hive.extension.failed", len(report.Failed)+len(report.Missing)),
	)
	if len(report.Failed)+len(report.Missing) > 0 {
		span.SetStatus(codes.Error, "some extensions unavailable")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return report
}

// sync runs the diff and load steps under the lock.
func (r *Registry) sync(ctx context.Context, active []string) (Report, []setupCall) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report Report
	for _, slug := range r.previous {
		if !slices.Contains(active, slug) {
			r.removeLocked(slug)
			report.Removed = append(report.Removed, slug)
		}
	}
	r.previous = active

	calls := make([]setupCall, 0, len(active))
	for _, slug := range active {
		if m := r.syncSlugLocked(ctx, slug, &report); m != nil {
			calls = append(calls, setupCall{slug: slug, module: m})
		}
	}
	return report, calls
}

// syncSlugLocked validates, hashes, and loads one slug. It returns the
// module to set up, or nil.
func (r *Registry) syncSlugLocked(ctx context.Context, slug string, report *Report) Module {
	src := r.Source(slug)

	if !r.validated[slug] {
		if err := r.validate(src); err != nil {
			r.logger.Warn("extension unavailable", "slug", slug, "error", err)
			r.metrics.ExtensionLoad(string(r.kind), "missing")
			report.fail(&report.Missing, slug, err)
			return nil
		}
		r.validated[slug] = true
		if err := r.cache.Watch(src.Dir); err != nil {
			r.logger.Warn("extension watch failed; hashing on every request", "slug", slug, "error", err)
		}
	}

	res, err := r.cache.Hash(src.Dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			err = errors.New(errors.CodeFolderMissing).WithSubject(slug).Wrap(err)
		}
		r.logger.Warn("extension folder unavailable", "slug", slug, "error", err)
		r.metrics.ExtensionLoad(string(r.kind), "missing")
		r.forgetLocked(slug)
		report.fail(&report.Missing, slug, err)
		return nil
	}
	version := res.Hash

	e := r.entries[slug]
	switch {
	case e == nil:
		e = &cached{src: src}
		r.entries[slug] = e
		return r.importLocked(ctx, e, version, report, "cold")

	case e.module != nil && e.version == version:
		r.metrics.ExtensionLoad(string(r.kind), "reuse")
		report.Reused = append(report.Reused, slug)
		return e.module

	case e.failedVersion == version:
		if e.module != nil {
			r.metrics.ExtensionLoad(string(r.kind), "stale")
			report.fail(&report.Stale, slug, e.failedErr)
			return e.module
		}
		r.metrics.ExtensionLoad(string(r.kind), "failed")
		report.fail(&report.Failed, slug, e.failedErr)
		return nil

	default:
		return r.importLocked(ctx, e, version, report, "hot")
	}
}

// importLocked loads version into e. On failure the previous module, if
// any, stays in place.
func (r *Registry) importLocked(ctx context.Context, e *cached, version string, report *Report, mode string) Module {
	slug := e.src.Slug
	firstLoad := e.module == nil

	m, err := r.load(ctx, e.src, version)
	if err != nil {
		e.failedVersion = version
		e.failedErr = err
		r.failures.Add(1)
		if e.module != nil {
			r.logger.Error("extension reload failed; keeping previous version",
				"slug", slug, "version", version, "serving", e.version, "error", err)
			r.metrics.ExtensionLoad(string(r.kind), "stale")
			report.fail(&report.Stale, slug, err)
			return e.module
		}
		r.logger.Error("extension import failed", "slug", slug, "version", version, "error", err)
		r.metrics.ExtensionLoad(string(r.kind), "failed")
		report.fail(&report.Failed, slug, err)
		return nil
	}

	e.module = m
	e.version = version
	e.failedVersion = ""
	e.failedErr = nil
	for k := range r.memo {
		if k.slug == slug && k.version != version {
			delete(r.memo, k)
		}
	}

	if mode == "hot" && !firstLoad {
		r.reloads.Add(1)
		r.logger.Info("extension reloaded", "slug", slug, "version", version)
		r.metrics.ExtensionLoad(string(r.kind), "hot")
		report.Reloaded = append(report.Reloaded, slug)
	} else {
		r.logger.Info("extension loaded", "slug", slug, "version", version)
		r.metrics.ExtensionLoad(string(r.kind), "cold")
		report.Loaded = append(report.Loaded, slug)
	}

	if firstLoad && r.elected && !r.activated[slug] {
		r.activated[slug] = true
		r.activate(ctx, e.src, m)
	}
	return m
}

// load consults the (slug, version) memo before calling the loader.
func (r *Registry) load(ctx context.Context, src Source, version string) (m Module, err error) {
	key := memoKey{slug: src.Slug, version: version}
	if m, ok := r.memo[key]; ok {
		return m, nil
	}

	r.imports.Add(1)
	defer func() {
		if p := recover(); p != nil {
			m, err = nil, fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			err = errors.New(errors.CodeImportFailed).WithSubject(src.Slug).Wrap(err)
		}
	}()

	m, err = r.loader.Load(ctx, src, version)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("loader returned no module")
	}
	r.memo[key] = m
	return m, nil
}

func (r *Registry) setup(ctx context.Context, c setupCall, router chi.Router) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in setup: %v", p)
		}
	}()
	return c.module.Setup(ctx, Scope{Kind: r.kind, Slug: c.slug, Router: router})
}

// activate runs the activation step in the background. It outlives the
// request that triggered it.
func (r *Registry) activate(ctx context.Context, src Source, m Module) {
	r.activateCount.Add(1)
	r.activations.Add(1)
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer r.activations.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("extension activation panicked", "slug", src.Slug, "panic", p)
			}
		}()

		if a, ok := m.(Activator); ok {
			if err := a.Activate(ctx); err != nil {
				r.logger.Error("extension activation failed", "slug", src.Slug, "error", err)
				return
			}
		}
		if r.onActivate != nil {
			if err := r.onActivate(ctx, src); err != nil {
				r.logger.Error("activation hook failed", "slug", src.Slug, "error", err)
				return
			}
		}
		r.metrics.ExtensionActivated(string(r.kind))
		r.logger.Info("extension activated", "slug", src.Slug)
	}()
}

func (r *Registry) validate(src Source) error {
	info, err := os.Stat(src.Dir)
	if err != nil || !info.IsDir() {
		e := errors.New(errors.CodeFolderMissing).WithSubject(src.Slug)
		if err != nil {
			e = e.Wrap(err)
		}
		return e
	}
	info, err = os.Stat(src.Entrypoint)
	if err != nil || info.IsDir() {
		return errors.New(errors.CodeEntrypointMissing).
			WithSubject(src.Slug).
			WithSuggestion("Add " + filepath.Base(src.Entrypoint) + " to " + src.Dir)
	}
	return nil
}

// removeLocked tears down everything the registry holds for a slug that
// left the active set.
func (r *Registry) removeLocked(slug string) {
	r.forgetLocked(slug)
	delete(r.activated, slug)
}

// forgetLocked drops the cached module and watch of slug. The activation
// record survives, so a folder that vanishes and comes back while the slug
// stays active is not activated twice.
func (r *Registry) forgetLocked(slug string) {
	if r.validated[slug] {
		r.cache.Unwatch(r.Source(slug).Dir)
	}
	delete(r.validated, slug)
	delete(r.entries, slug)
	for k := range r.memo {
		if k.slug == slug {
			delete(r.memo, k)
		}
	}
}

// Stats returns registry instrumentation.
func (r *Registry) Stats() Stats {
	return Stats{
		Imports:     r.imports.Load(),
		Reloads:     r.reloads.Load(),
		Failures:    r.failures.Load(),
		Activations: r.activateCount.Load(),
	}
}

// Statuses describes every cached slug, sorted by slug.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.entries))
	for slug, e := range r.entries {
		out = append(out, Status{
			Slug:      slug,
			Version:   e.version,
			Stale:     e.module != nil && e.failedVersion != "",
			Failed:    e.module == nil,
			Activated: r.activated[slug],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Wait blocks until every started activation finished.
func (r *Registry) Wait() {
	r.activations.Wait()
}

// Close releases every watch and waits for activations. A private cache is
// closed too.
func (r *Registry) Close() error {
	r.mu.Lock()
	for _, slug := range r.previous {
		r.removeLocked(slug)
	}
	r.previous = nil
	r.mu.Unlock()

	r.Wait()
	if r.ownsCache {
		return r.cache.Close()
	}
	return nil
}

// normalize drops empty and duplicate slugs, keeping order. A single-slot
// registry keeps only the first.
func normalize(slugs []string, single bool) []string {
	out := make([]string, 0, len(slugs))
	for _, s := range slugs {
		if s == "" || !validSlug(s) || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
		if single {
			break
		}
	}
	return out
}

// validSlug rejects slugs that would escape the extensions directory.
func validSlug(s string) bool {
	return s != "." && s != ".." && filepath.Base(s) == s && !filepath.IsAbs(s)
}
