// Package cluster runs a set of worker processes behind one public listener.
//
// The Supervisor owns the listener and routes every accepted connection to a
// worker picked by a stable hash of the client IP. Workers report status and
// relay job broadcasts over per-worker IPC channels; the supervisor
// aggregates status rounds, relays broadcasts to siblings, pushes
// reinitialize directives, and drains the cluster on restart.
package cluster

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/hive/internal/errors"
	"github.com/vango-dev/hive/internal/metrics"
	"github.com/vango-dev/hive/pkg/ipc"
)

// ErrRestartRequested is returned by Run after a worker asked for a restart
// and the cluster has drained. The process is expected to exit so a process
// manager can relaunch it.
var ErrRestartRequested = errors.New(errors.CodeRestartRequested)

// DefaultGraceWindow is how long workers get to drain on restart.
const DefaultGraceWindow = 10 * time.Second

// Aggregation rounds.
const (
	RoundInit    = "init"
	RoundPlugins = "plugins"
)

// Options configures a Supervisor.
type Options struct {
	// Workers is the number of worker processes. Zero means one per CPU.
	Workers int

	// Listener is the public listener. Required.
	Listener net.Listener

	// Spawner starts workers. Required.
	Spawner Spawner

	// Codec is the IPC codec. Defaults to JSON.
	Codec ipc.Codec

	// GraceWindow bounds the drain on restart or shutdown.
	GraceWindow time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics

	// OnAggregate is called once per completed aggregation round.
	OnAggregate func(Aggregate)
}

// WorkerResult is one worker's entry in an aggregation round.
type WorkerResult struct {
	WorkerID int
	Kind     ipc.Kind
	Status   ipc.WorkerStatus
}

// Aggregate is a completed round: one entry per live worker.
type Aggregate struct {
	Round   string
	Results []WorkerResult
}

// Failed returns the entries that reported an error.
func (a Aggregate) Failed() []WorkerResult {
	var out []WorkerResult
	for _, r := range a.Results {
		if r.Kind == ipc.KindWorkerError || r.Status.Error != "" {
			out = append(out, r)
		}
	}
	return out
}

type workerHandle struct {
	id   int
	ch   *ipc.Channel
	proc Process
	done chan struct{}
}

// Supervisor is the primary process of a cluster.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	workers  map[int]*workerHandle
	nextID   int
	rounds   map[string]map[int]WorkerResult
	draining bool

	restartCh chan string
	ctx       context.Context
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Codec == nil {
		opts.Codec = ipc.JSONCodec{}
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		opts:      opts,
		logger:    opts.Logger.With("component", "supervisor"),
		workers:   make(map[int]*workerHandle),
		nextID:    FirstWorkerID,
		rounds:    make(map[string]map[int]WorkerResult),
		restartCh: make(chan string, 1),
	}
}

// Run spawns the workers and routes connections until ctx is cancelled or a
// restart is requested. Both paths drain the workers first. A restart
// returns ErrRestartRequested; cancellation returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.opts.Listener == nil || s.opts.Spawner == nil {
		return fmt.Errorf("cluster: supervisor needs a listener and a spawner")
	}
	s.ctx = ctx

	// The whole initial roster exists before any worker is heard, so the
	// first init round counts every worker.
	initial := make([]*workerHandle, 0, s.opts.Workers)
	for i := 0; i < s.opts.Workers; i++ {
		h, err := s.spawn()
		if err != nil {
			for _, h := range initial {
				s.launch(h)
			}
			s.drain("startup failed")
			return err
		}
		initial = append(initial, h)
	}
	for _, h := range initial {
		s.launch(h)
	}
	s.logger.Info("cluster started", "workers", s.opts.Workers, "addr", s.opts.Listener.Addr().String())

	var restart bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop()
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.drain("shutdown")
		case reason := <-s.restartCh:
			restart = true
			s.drain(reason)
		}
		return nil
	})

	err := g.Wait()
	if restart {
		return ErrRestartRequested
	}
	return err
}

func (s *Supervisor) acceptLoop() error {
	for {
		conn, err := s.opts.Listener.Accept()
		if err != nil {
			if s.isDraining() || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("cluster: accept: %w", err)
		}
		s.Route(conn)
	}
}

// Route hands conn to a worker picked by the client IP and closes the
// supervisor's copy.
func (s *Supervisor) Route(conn net.Conn) {
	defer conn.Close()

	s.mu.Lock()
	ids := s.liveIDsLocked()
	var h *workerHandle
	if len(ids) > 0 {
		h = s.workers[PickWorker(conn.RemoteAddr(), ids)]
	}
	s.mu.Unlock()

	if h == nil {
		s.logger.Warn("no live workers, dropping connection", "remote", addrString(conn.RemoteAddr()))
		return
	}

	fc, ok := conn.(interface{ File() (*os.File, error) })
	if !ok {
		s.logger.Warn("connection cannot be passed", "type", fmt.Sprintf("%T", conn))
		return
	}
	f, err := fc.File()
	if err != nil {
		s.logger.Warn("connection descriptor unavailable", "error", err)
		return
	}
	defer f.Close()

	info := ipc.Connection{RemoteAddr: addrString(conn.RemoteAddr()), LocalAddr: addrString(conn.LocalAddr())}
	if err := h.ch.SendFile(ipc.KindConnection, info, f); err != nil {
		s.logger.Warn("route connection failed", "worker_id", h.id, "error", err)
		return
	}
	s.opts.Metrics.ConnectionRouted(h.id)
	s.opts.Metrics.IPCMessage(string(ipc.KindConnection), "out")
}

// PickWorker returns the worker for a client address: the xxhash of its IP
// modulo the roster size, over ids sorted ascending. Addresses without an
// IP get a uniformly random worker.
func PickWorker(addr net.Addr, ids []int) int {
	if len(ids) == 0 {
		return 0
	}
	host := hostOf(addr)
	if host == "" {
		return ids[rand.IntN(len(ids))]
	}
	return ids[xxhash.Sum64String(host)%uint64(len(ids))]
}

func hostOf(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a == nil || a.IP == nil {
			return ""
		}
		return a.IP.String()
	case nil:
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Workers returns the live worker ids in ascending order.
func (s *Supervisor) Workers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveIDsLocked()
}

func (s *Supervisor) liveIDsLocked() []int {
	ids := make([]int, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Reinitialize resets aggregation rounds and tells every worker to reload
// its configuration.
func (s *Supervisor) Reinitialize() {
	s.mu.Lock()
	s.rounds = make(map[string]map[int]WorkerResult)
	targets := s.handlesLocked()
	s.mu.Unlock()

	s.logger.Info("reinitializing workers", "workers", len(targets))
	for _, h := range targets {
		s.send(h, ipc.KindReinitialize, nil)
	}
}

// Restart asks Run to drain and return ErrRestartRequested.
func (s *Supervisor) Restart(reason string) {
	select {
	case s.restartCh <- reason:
	default:
	}
}

func (s *Supervisor) handlesLocked() []*workerHandle {
	out := make([]*workerHandle, 0, len(s.workers))
	for _, id := range s.liveIDsLocked() {
		out = append(out, s.workers[id])
	}
	return out
}

func (s *Supervisor) send(h *workerHandle, kind ipc.Kind, payload any) {
	if err := h.ch.Send(kind, payload); err != nil {
		s.logger.Warn("send to worker failed", "worker_id", h.id, "kind", kind, "error", err)
		return
	}
	s.opts.Metrics.IPCMessage(string(kind), "out")
}

func (s *Supervisor) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// spawn starts one worker with the next id.
func (s *Supervisor) spawn() (*workerHandle, error) {
	parentFile, childFile, err := ipc.Pair()
	if err != nil {
		return nil, errors.New(errors.CodeSpawnFailed).Wrap(err)
	}
	defer parentFile.Close()
	defer childFile.Close()

	ch, err := ipc.NewChannel(parentFile, s.opts.Codec)
	if err != nil {
		return nil, errors.New(errors.CodeSpawnFailed).Wrap(err)
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		ch.Close()
		return nil, errors.New(errors.CodeSpawnFailed).WithDetail("Cluster is draining")
	}
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	proc, err := s.opts.Spawner.Spawn(s.ctx, id, childFile)
	if err != nil {
		ch.Close()
		return nil, errors.New(errors.CodeSpawnFailed).WithSubject(fmt.Sprintf("worker %d", id)).Wrap(err)
	}

	h := &workerHandle{id: id, ch: ch, proc: proc, done: make(chan struct{})}
	s.mu.Lock()
	s.workers[id] = h
	live := len(s.workers)
	s.mu.Unlock()
	s.opts.Metrics.SetWorkersLive(live)

	s.logger.Info("worker spawned", "worker_id", id)
	return h, nil
}

// launch starts reading from and reaping a spawned worker.
func (s *Supervisor) launch(h *workerHandle) {
	go s.receive(h)
	go s.wait(h)
}

// wait reaps a worker and spawns its replacement unless draining.
func (s *Supervisor) wait(h *workerHandle) {
	err := h.proc.Wait()
	h.ch.Close()

	s.mu.Lock()
	delete(s.workers, h.id)
	live := len(s.workers)
	draining := s.draining
	s.mu.Unlock()
	close(h.done)
	s.opts.Metrics.SetWorkersLive(live)

	if draining {
		s.logger.Info("worker exited", "worker_id", h.id)
		return
	}

	s.logger.Warn("worker exited unexpectedly, respawning", "worker_id", h.id, "error", err)
	replacement, err := s.spawn()
	if err != nil {
		s.logger.Error("respawn failed", "error", err)
		return
	}
	s.launch(replacement)
	s.opts.Metrics.WorkerRespawned()
}

// receive reads a worker's channel until it closes.
func (s *Supervisor) receive(h *workerHandle) {
	for {
		msg, err := h.ch.Recv()
		if err != nil {
			if errors.HasCode(err, errors.CodeIPCFrame) {
				s.logger.Warn("dropping malformed message", "worker_id", h.id, "error", err)
				continue
			}
			if !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
				s.logger.Debug("worker channel closed", "worker_id", h.id, "error", err)
			}
			return
		}
		if msg.File != nil {
			msg.File.Close()
		}
		s.opts.Metrics.IPCMessage(string(msg.Kind), "in")
		s.dispatch(h, msg.Envelope)
	}
}

func (s *Supervisor) dispatch(h *workerHandle, env ipc.Envelope) {
	switch env.Kind {
	case ipc.KindWorkerReady, ipc.KindWorkerError:
		s.aggregate(RoundInit, h.id, env)
	case ipc.KindPluginsLoaded:
		s.aggregate(RoundPlugins, h.id, env)
	case ipc.KindOptionsUpdated:
		s.Reinitialize()
	case ipc.KindJobBroadcast:
		s.relay(h.id, env)
	case ipc.KindRestartServer:
		var r ipc.Restart
		_ = ipc.Decode(s.opts.Codec, env, &r)
		s.logger.Info("restart requested", "worker_id", h.id, "reason", r.Reason)
		s.Restart(r.Reason)
	default:
		s.logger.Debug("ignoring message", "worker_id", h.id, "kind", env.Kind)
	}
}

// aggregate buffers one entry per worker and emits the round once every
// live worker has reported. A re-send overwrites the worker's entry.
func (s *Supervisor) aggregate(round string, id int, env ipc.Envelope) {
	var status ipc.WorkerStatus
	if err := ipc.Decode(s.opts.Codec, env, &status); err != nil {
		s.logger.Warn("bad status payload", "worker_id", id, "kind", env.Kind, "error", err)
	}

	s.mu.Lock()
	entries := s.rounds[round]
	if entries == nil {
		entries = make(map[int]WorkerResult)
		s.rounds[round] = entries
	}
	entries[id] = WorkerResult{WorkerID: id, Kind: env.Kind, Status: status}
	if len(entries) != len(s.workers) {
		s.mu.Unlock()
		return
	}
	delete(s.rounds, round)
	s.mu.Unlock()

	agg := Aggregate{Round: round, Results: make([]WorkerResult, 0, len(entries))}
	for _, r := range entries {
		agg.Results = append(agg.Results, r)
	}
	sort.Slice(agg.Results, func(i, j int) bool { return agg.Results[i].WorkerID < agg.Results[j].WorkerID })

	failed := agg.Failed()
	if len(failed) > 0 {
		s.logger.Warn("aggregation round complete with failures", "round", round, "workers", len(agg.Results), "failed", len(failed))
	} else {
		s.logger.Info("aggregation round complete", "round", round, "workers", len(agg.Results))
	}
	s.opts.Metrics.AggregationCompleted(round)
	if s.opts.OnAggregate != nil {
		s.opts.OnAggregate(agg)
	}
}

// relay forwards a job broadcast to every worker except the origin.
func (s *Supervisor) relay(origin int, env ipc.Envelope) {
	s.mu.Lock()
	targets := s.handlesLocked()
	s.mu.Unlock()

	for _, h := range targets {
		if h.id == origin {
			continue
		}
		if err := h.ch.Forward(env); err != nil {
			s.logger.Warn("relay job broadcast failed", "worker_id", h.id, "error", err)
			continue
		}
		s.opts.Metrics.IPCMessage(string(env.Kind), "out")
	}
}

// drain stops routing, asks every worker to shut down, and waits up to the
// grace window before killing stragglers.
func (s *Supervisor) drain(reason string) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	targets := s.handlesLocked()
	s.mu.Unlock()

	s.opts.Listener.Close()
	s.logger.Info("draining workers", "reason", reason, "workers", len(targets), "grace", s.opts.GraceWindow)

	payload := ipc.Shutdown{GraceMs: s.opts.GraceWindow.Milliseconds(), Reason: reason}
	for _, h := range targets {
		if err := h.ch.Send(ipc.KindShutdown, payload); err != nil {
			_ = h.proc.Signal(syscall.SIGTERM)
		}
	}

	deadline := time.NewTimer(s.opts.GraceWindow)
	defer deadline.Stop()
	for _, h := range targets {
		select {
		case <-h.done:
		case <-deadline.C:
			s.kill(targets)
			return
		}
	}
}

func (s *Supervisor) kill(targets []*workerHandle) {
	for _, h := range targets {
		select {
		case <-h.done:
			continue
		default:
		}
		s.logger.Warn("grace window elapsed, killing worker", "worker_id", h.id)
		_ = h.proc.Kill()
		<-h.done
	}
}
