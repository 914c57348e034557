package extension

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/hive/internal/errors"
)

// Manifest is the declarative extension format read by ManifestLoader.
//
//	name: Gallery
//	headers:
//	  X-Extension: gallery
//	routes:
//	  - path: /gallery
//	    file: pages/index.html
//	  - method: POST
//	    path: /gallery/ping
//	    status: 204
//	assets:
//	  - prefix: /gallery/static
//	    dir: static
type Manifest struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Headers     map[string]string `yaml:"headers" json:"headers"`
	Routes      []Route           `yaml:"routes" json:"routes"`
	Assets      []Asset           `yaml:"assets" json:"assets"`
}

// Route is a static response bound to a method and path.
type Route struct {
	Method      string `yaml:"method" json:"method"`
	Path        string `yaml:"path" json:"path"`
	Status      int    `yaml:"status" json:"status"`
	ContentType string `yaml:"contentType" json:"contentType"`

	// Body is returned inline; File is read relative to the extension folder
	// at load time.
	Body string `yaml:"body" json:"body"`
	File string `yaml:"file" json:"file"`
}

// Asset mounts a folder of static files under a URL prefix.
type Asset struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Dir    string `yaml:"dir" json:"dir"`
}

// ManifestLoader loads extensions described by a YAML or JSON manifest at
// the entrypoint. Route bodies are read at load time, so a module is a
// snapshot of its folder.
type ManifestLoader struct{}

// Load implements Loader.
func (ManifestLoader) Load(_ context.Context, src Source, version string) (Module, error) {
	data, err := os.ReadFile(src.Entrypoint)
	if err != nil {
		return nil, errors.New(errors.CodeEntrypointMissing).WithSubject(src.Slug).Wrap(err)
	}

	// JSON is a subset of YAML, so one decoder serves both.
	var man Manifest
	if err := yaml.Unmarshal(data, &man); err != nil {
		return nil, invalidManifest(src, err.Error())
	}
	return compileManifest(src, version, &man)
}

// manifestModule is a compiled Manifest.
type manifestModule struct {
	slug    string
	version string
	headers map[string]string
	routes  []compiledRoute
	assets  []compiledAsset
}

type compiledRoute struct {
	method      string
	path        string
	status      int
	contentType string
	body        []byte
}

type compiledAsset struct {
	prefix string
	dir    string
}

func compileManifest(src Source, version string, man *Manifest) (*manifestModule, error) {
	m := &manifestModule{slug: src.Slug, version: version, headers: man.Headers}

	for i, rt := range man.Routes {
		method := strings.ToUpper(strings.TrimSpace(rt.Method))
		if method == "" {
			method = http.MethodGet
		}
		if !strings.HasPrefix(rt.Path, "/") {
			return nil, invalidManifest(src, fmt.Sprintf("routes[%d]: path %q must start with /", i, rt.Path))
		}
		if rt.Body != "" && rt.File != "" {
			return nil, invalidManifest(src, fmt.Sprintf("routes[%d]: body and file are exclusive", i))
		}
		status := rt.Status
		if status == 0 {
			status = http.StatusOK
		}
		if status < 100 || status > 599 {
			return nil, invalidManifest(src, fmt.Sprintf("routes[%d]: invalid status %d", i, status))
		}

		body := []byte(rt.Body)
		contentType := rt.ContentType
		if rt.File != "" {
			path, err := within(src.Dir, rt.File)
			if err != nil {
				return nil, invalidManifest(src, fmt.Sprintf("routes[%d]: %v", i, err))
			}
			if body, err = os.ReadFile(path); err != nil {
				return nil, invalidManifest(src, fmt.Sprintf("routes[%d]: %v", i, err))
			}
			if contentType == "" {
				contentType = http.DetectContentType(body)
			}
		}
		if contentType == "" && len(body) > 0 {
			contentType = "text/plain; charset=utf-8"
		}

		m.routes = append(m.routes, compiledRoute{
			method:      method,
			path:        rt.Path,
			status:      status,
			contentType: contentType,
			body:        body,
		})
	}

	for i, a := range man.Assets {
		prefix := strings.TrimSuffix(a.Prefix, "/")
		if !strings.HasPrefix(prefix, "/") {
			return nil, invalidManifest(src, fmt.Sprintf("assets[%d]: prefix %q must start with /", i, a.Prefix))
		}
		dir, err := within(src.Dir, a.Dir)
		if err != nil {
			return nil, invalidManifest(src, fmt.Sprintf("assets[%d]: %v", i, err))
		}
		m.assets = append(m.assets, compiledAsset{prefix: prefix, dir: dir})
	}
	return m, nil
}

// Setup implements Module.
func (m *manifestModule) Setup(_ context.Context, s Scope) error {
	for _, rt := range m.routes {
		s.Router.Method(rt.method, rt.path, m.serve(rt))
	}
	for _, a := range m.assets {
		fs := http.StripPrefix(a.prefix, http.FileServer(http.Dir(a.dir)))
		s.Router.Handle(a.prefix+"/*", m.withHeaders(fs))
	}
	return nil
}

func (m *manifestModule) serve(rt compiledRoute) http.Handler {
	return m.withHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if rt.contentType != "" {
			w.Header().Set("Content-Type", rt.contentType)
		}
		w.WriteHeader(rt.status)
		w.Write(rt.body)
	}))
}

func (m *manifestModule) withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range m.headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("X-Hive-Extension", m.slug+"@"+m.version)
		next.ServeHTTP(w, r)
	})
}

// within resolves rel inside dir and rejects paths that escape it.
func within(dir, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative", rel)
	}
	p := filepath.Join(dir, rel)
	r, err := filepath.Rel(dir, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the extension folder", rel)
	}
	return p, nil
}

func invalidManifest(src Source, detail string) error {
	return errors.New(errors.CodeManifestInvalid).
		WithSubject(src.Slug).
		Wrap(stderrors.New(detail))
}
