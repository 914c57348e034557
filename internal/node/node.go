// Package node is the runtime of one hive worker process.
//
// A Node ties the worker side of the cluster channel to the extension
// registries, the job coordinator, the option replica and the realtime hub,
// and serves HTTP on the connections the supervisor routes to it.
package node

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/hive/internal/config"
	"github.com/vango-dev/hive/internal/metrics"
	"github.com/vango-dev/hive/pkg/auth"
	"github.com/vango-dev/hive/pkg/cluster"
	"github.com/vango-dev/hive/pkg/extension"
	"github.com/vango-dev/hive/pkg/foldercache"
	"github.com/vango-dev/hive/pkg/ipc"
	"github.com/vango-dev/hive/pkg/jobs"
	"github.com/vango-dev/hive/pkg/options"
	"github.com/vango-dev/hive/pkg/realtime"
)

const tracerName = "github.com/vango-dev/hive/internal/node"

// Options configures a Node.
type Options struct {
	Config *config.Config
	Worker *cluster.Worker
	Stores *Stores

	// Elected decides whether this worker runs singleton duties.
	// Defaults to cluster.LowestInitialID.
	Elected cluster.ElectedRole

	// Loader imports extensions. Defaults to extension.ManifestLoader.
	Loader extension.Loader

	// Registry receives the worker's metrics. Defaults to a fresh registry
	// with the Go and process collectors.
	Registry *prometheus.Registry

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	Logger *slog.Logger
}

// Node is one worker's runtime.
type Node struct {
	cfg     *config.Config
	worker  *cluster.Worker
	stores  *Stores
	elected bool
	logger  *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tp       trace.TracerProvider

	cache   *foldercache.Cache
	plugins *extension.Registry
	themes  *extension.Registry
	options *options.Manager
	hub     *realtime.Hub
	jobs    *jobs.Coordinator
	authn   auth.Authenticator
	handler http.Handler

	graceMs atomic.Int64
}

// New wires a Node. It does not touch the network or the stores.
func New(opts Options) (*Node, error) {
	if opts.Config == nil || opts.Worker == nil || opts.Stores == nil {
		return nil, fmt.Errorf("node: config, worker and stores are required")
	}
	if opts.Elected == nil {
		opts.Elected = cluster.LowestInitialID{}
	}
	if opts.Loader == nil {
		opts.Loader = extension.ManifestLoader{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	cfg := opts.Config
	id := opts.Worker.ID()
	n := &Node{
		cfg:      cfg,
		worker:   opts.Worker,
		stores:   opts.Stores,
		elected:  opts.Elected.IsElected(id),
		logger:   opts.Logger.With("component", "node", "worker_id", id),
		registry: opts.Registry,
		tp:       opts.TracerProvider,
	}
	n.graceMs.Store(cfg.ShutdownGrace().Milliseconds())
	n.metrics = metrics.New(
		metrics.WithRegistry(opts.Registry),
		metrics.WithNamespace(cfg.Metrics.Namespace),
	)
	tracer := n.tp.Tracer(tracerName)

	n.cache = foldercache.New(foldercache.Options{
		Ignore:   cfg.Extensions.Ignore,
		Debounce: cfg.Debounce(),
		Logger:   opts.Logger,
		Metrics:  n.metrics,
	})
	extOpts := func(dir string) extension.Options {
		return extension.Options{
			Dir:        dir,
			Entrypoint: cfg.Extensions.Entrypoint,
			Loader:     opts.Loader,
			Cache:      n.cache,
			Elected:    n.elected,
			OnActivate: n.recordActivation,
			Logger:     opts.Logger,
			Metrics:    n.metrics,
			Tracer:     tracer,
		}
	}
	n.plugins = extension.NewPlugins(extOpts(cfg.PluginsPath()))
	n.themes = extension.NewThemes(extOpts(cfg.ThemesPath()))

	n.options = options.NewManager(opts.Stores.Options, options.NotifierFunc(func(context.Context) error {
		return n.worker.Send(ipc.KindOptionsUpdated, nil)
	}), opts.Logger)

	n.authn = newAuthenticator(cfg.Auth)
	n.hub = realtime.NewHub(realtime.Options{
		Authenticator: n.authn,
		Logger:        opts.Logger,
		Metrics:       n.metrics,
	})

	jobOpts := jobs.Options{
		Store:        opts.Stores.Jobs,
		Broadcaster:  n.hub,
		Relay:        n.worker,
		Capabilities: cfg.Jobs.Capabilities,
		Tracer:       tracer,
		Logger:       opts.Logger,
		Metrics:      n.metrics,
	}
	if opts.Stores.Archive != nil {
		jobOpts.Archiver = opts.Stores.Archive
	}
	n.jobs = jobs.New(jobOpts)

	n.handler = n.routes()
	return n, nil
}

// Handler returns the worker's HTTP handler.
func (n *Node) Handler() http.Handler { return n.handler }

// Jobs returns the worker's job coordinator.
func (n *Node) Jobs() *jobs.Coordinator { return n.jobs }

// Options returns the worker's option replica.
func (n *Node) Options() *options.Manager { return n.options }

// Elected reports whether this worker runs singleton duties.
func (n *Node) Elected() bool { return n.elected }

// Run reports readiness to the supervisor and serves routed connections
// until ctx is done, a shutdown directive arrives, or the supervisor goes
// away. In-flight requests get the grace window named by the directive.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.worker.Handle(ipc.KindShutdown, func(env ipc.Envelope) {
		var s ipc.Shutdown
		if err := n.worker.Decode(env, &s); err == nil && s.GraceMs > 0 {
			n.graceMs.Store(s.GraceMs)
		}
		n.logger.Info("shutdown requested", "reason", s.Reason)
		cancel()
	})
	n.worker.Handle(ipc.KindReinitialize, func(ipc.Envelope) {
		go n.reinitialize(ctx)
	})
	n.worker.Handle(ipc.KindJobBroadcast, n.deliverRelayed)

	n.start(ctx)

	srv := &http.Server{
		Handler:           n.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := n.worker.Run(gctx)
		if stderrors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := srv.Serve(n.worker.Listener()); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return n.drain(srv)
	})
	if n.elected {
		g.Go(func() error {
			n.sweepLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	n.close()
	if stderrors.Is(err, cluster.ErrSupervisorGone) {
		n.logger.Warn("supervisor went away")
	}
	return err
}

// start loads the active set, reports the init round, warms the extension
// caches and reports the plugins round.
func (n *Node) start(ctx context.Context) {
	status := ipc.WorkerStatus{Elected: n.elected}
	kind := ipc.KindWorkerReady
	if err := n.options.Load(ctx); err != nil {
		n.logger.Error("loading active extensions failed", "error", err)
		status.Error = err.Error()
		kind = ipc.KindWorkerError
	}
	if err := n.worker.Send(kind, status); err != nil {
		n.logger.Warn("report to supervisor failed", "kind", kind, "error", err)
	}
	n.reportExtensions(ctx)
}

// reinitialize reloads the active set after another worker changed it.
func (n *Node) reinitialize(ctx context.Context) {
	if _, err := n.options.Reload(ctx); err != nil {
		n.logger.Error("reinitialize failed, keeping previous active set", "error", err)
	}
	n.reportExtensions(ctx)
}

// reportExtensions runs the extension pipeline once outside a request and
// sends the outcome as a plugins_loaded status.
func (n *Node) reportExtensions(ctx context.Context) {
	plugins, themes := n.initExtensions(ctx, chi.NewRouter())
	status := ipc.WorkerStatus{
		Elected: n.elected,
		Loaded:  plugins.Active(),
	}
	status.Failed = append(status.Failed, plugins.Failed...)
	status.Failed = append(status.Failed, plugins.Missing...)
	if active := themes.Active(); len(active) > 0 {
		status.Theme = active[0]
	}
	if err := n.worker.Send(ipc.KindPluginsLoaded, status); err != nil {
		n.logger.Warn("report to supervisor failed", "kind", ipc.KindPluginsLoaded, "error", err)
	}
}

// initExtensions registers the routes of every active plugin and the active
// theme on router.
func (n *Node) initExtensions(ctx context.Context, router chi.Router) (plugins, themes extension.Report) {
	set := n.options.Current()
	plugins = n.plugins.PerRequestInit(ctx, set.Plugins, router)
	themes = n.themes.PerRequestInit(ctx, set.Themes(), router)
	return plugins, themes
}

func (n *Node) deliverRelayed(env ipc.Envelope) {
	var b ipc.JobBroadcast
	if err := n.worker.Decode(env, &b); err != nil {
		n.logger.Warn("bad job broadcast", "error", err)
		return
	}
	n.jobs.DeliverRelayed(b.JobID, b.Snapshot, b.Capabilities)
}

func (n *Node) drain(srv *http.Server) error {
	grace := time.Duration(n.graceMs.Load()) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	// Realtime connections are hijacked and invisible to Shutdown.
	n.hub.Close()
	err := srv.Shutdown(ctx)
	if stderrors.Is(err, context.DeadlineExceeded) {
		n.logger.Warn("grace window elapsed, closing remaining connections", "grace", grace)
		return srv.Close()
	}
	return err
}

func (n *Node) close() {
	n.jobs.Close()
	n.plugins.Close()
	n.themes.Close()
	n.cache.Close()
}

func newAuthenticator(ac config.AuthConfig) auth.Authenticator {
	tokens := make(map[string]auth.Principal, len(ac.Tokens))
	for token, p := range ac.Tokens {
		tokens[token] = auth.Principal{ID: p.ID, Capabilities: p.Capabilities}
	}
	return auth.NewTokenAuthenticator(tokens)
}
