// Package extension loads plugins and themes from per-slug folders and keeps
// each worker's copy current.
//
// A Registry is owned by one worker process. On every request it diffs the
// active slug set against the previous one, reloads any extension whose
// folder content hash changed, and lets every loaded extension register its
// routes on the request's route table.
//
//	plugins := extension.NewPlugins(extension.Options{
//	    Dir:    "plugins",
//	    Loader: extension.ManifestLoader{},
//	    Cache:  cache,
//	})
//	report := plugins.PerRequestInit(ctx, active.Plugins, router)
package extension

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Kind distinguishes the plugin and theme specializations.
type Kind string

const (
	KindPlugin Kind = "plugin"
	KindTheme  Kind = "theme"
)

// Source locates an extension on disk.
type Source struct {
	Kind Kind
	Slug string

	// Dir is the extension folder.
	Dir string

	// Entrypoint is the absolute path of the entry file inside Dir.
	Entrypoint string
}

// Scope is the per-request surface handed to Module.Setup.
type Scope struct {
	Kind Kind
	Slug string

	// Router is the request's route table. It is discarded after the request.
	Router chi.Router
}

// Module is a loaded extension version.
type Module interface {
	// Setup registers the module's routes and hooks. It runs on every
	// request, even when the module did not change.
	Setup(ctx context.Context, s Scope) error
}

// Activator is implemented by modules with a one-time activation step.
// Activate runs on the elected worker only, after the first successful load
// of a slug that was not loaded before.
type Activator interface {
	Activate(ctx context.Context) error
}

// Loader imports one version of an extension. version is the folder content
// hash; the registry never calls Load twice for the same (slug, version).
type Loader interface {
	Load(ctx context.Context, src Source, version string) (Module, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, src Source, version string) (Module, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, src Source, version string) (Module, error) {
	return f(ctx, src, version)
}

// SetupFunc adapts a function to Module.
type SetupFunc func(ctx context.Context, s Scope) error

// Setup calls f.
func (f SetupFunc) Setup(ctx context.Context, s Scope) error { return f(ctx, s) }

// Builtin is a Loader for extensions compiled into the binary. The folder
// still has to exist and its hash still versions the module.
type Builtin map[string]func(src Source, version string) (Module, error)

// Load implements Loader.
func (b Builtin) Load(_ context.Context, src Source, version string) (Module, error) {
	factory, ok := b[src.Slug]
	if !ok {
		return nil, fmt.Errorf("no builtin extension %q", src.Slug)
	}
	return factory(src, version)
}

// Report describes what PerRequestInit did for one request.
type Report struct {
	// Loaded were imported cold, Reloaded were hot-reimported after their
	// folder changed, Reused were served from cache.
	Loaded   []string
	Reloaded []string
	Reused   []string

	// Stale failed to re-import; the last good version keeps serving.
	Stale []string

	// Failed have no usable module this request. Missing lack their folder
	// or entrypoint.
	Failed  []string
	Missing []string

	// Removed left the active set since the previous request.
	Removed []string

	// Errors holds the cause for Stale, Failed and Missing slugs.
	Errors map[string]error
}

// Active returns the slugs whose Setup ran this request.
func (r Report) Active() []string {
	out := make([]string, 0, len(r.Loaded)+len(r.Reloaded)+len(r.Reused)+len(r.Stale))
	out = append(out, r.Loaded...)
	out = append(out, r.Reloaded...)
	out = append(out, r.Reused...)
	out = append(out, r.Stale...)
	return out
}

func (r *Report) fail(list *[]string, slug string, err error) {
	*list = append(*list, slug)
	if r.Errors == nil {
		r.Errors = make(map[string]error)
	}
	r.Errors[slug] = err
}

// Handler serves a request through the routes registered by active
// extensions, falling back to next when none match.
func Handler(router chi.Router, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if router.Match(chi.NewRouteContext(), r.Method, r.URL.Path) {
			// Route from scratch; the outer router's context does not apply.
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, nil))
			router.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
