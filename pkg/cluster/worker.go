package cluster

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/vango-dev/hive/internal/errors"
	"github.com/vango-dev/hive/pkg/ipc"
)

// ErrSupervisorGone is returned by Worker.Run when the supervisor closes the channel.
var ErrSupervisorGone = stderrors.New("cluster: supervisor closed the channel")

// Handler handles a directive received from the supervisor.
type Handler func(env ipc.Envelope)

// Worker is the worker-process side of the cluster: it receives routed
// connections and directives from the supervisor and sends status and
// relay messages back.
type Worker struct {
	id       int
	ch       *ipc.Channel
	listener *connListener
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[ipc.Kind]Handler
}

// NewWorker wraps an established channel.
func NewWorker(id int, ch *ipc.Channel, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ch.SetWorkerID(id)
	return &Worker{
		id:       id,
		ch:       ch,
		listener: newConnListener(),
		logger:   logger.With("component", "worker", "worker_id", id),
		handlers: make(map[ipc.Kind]Handler),
	}
}

// ConnectFromEnv builds the Worker for a process spawned by ExecSpawner.
func ConnectFromEnv(codec ipc.Codec, logger *slog.Logger) (*Worker, error) {
	id, err := strconv.Atoi(os.Getenv(EnvWorkerID))
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("cluster: %s is not set; workers are started by the supervisor", EnvWorkerID)
	}
	f := os.NewFile(uintptr(ipc.EnvFD), "hive-ipc")
	if f == nil {
		return nil, fmt.Errorf("cluster: no IPC descriptor on fd %d", ipc.EnvFD)
	}
	defer f.Close()

	ch, err := ipc.NewChannel(f, codec)
	if err != nil {
		return nil, err
	}
	return NewWorker(id, ch, logger), nil
}

// ID returns the worker id.
func (w *Worker) ID() int { return w.id }

// Codec returns the channel codec.
func (w *Worker) Codec() ipc.Codec { return w.ch.Codec() }

// Listener returns the listener that yields connections routed to this worker.
func (w *Worker) Listener() net.Listener { return w.listener }

// Handle registers fn for directives of the given kind, replacing any
// previous handler. Handlers run on the receive goroutine.
func (w *Worker) Handle(kind ipc.Kind, fn Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = fn
}

// Send sends a fire-and-forget message to the supervisor.
func (w *Worker) Send(kind ipc.Kind, payload any) error {
	return w.ch.Send(kind, payload)
}

// Decode unmarshals an envelope payload with the channel codec.
func (w *Worker) Decode(env ipc.Envelope, v any) error {
	return ipc.Decode(w.ch.Codec(), env, v)
}

// RelayJob forwards a job snapshot to the supervisor for delivery on sibling workers.
func (w *Worker) RelayJob(_ context.Context, jobID string, snapshot []byte, capabilities []string) error {
	return w.ch.Send(ipc.KindJobBroadcast, ipc.JobBroadcast{
		JobID:        jobID,
		Snapshot:     snapshot,
		Capabilities: capabilities,
	})
}

// Run receives from the supervisor until ctx is done or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		w.ch.Close()
	}()

	for {
		msg, err := w.ch.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.HasCode(err, errors.CodeIPCFrame) {
				w.logger.Warn("dropping malformed message", "error", err)
				continue
			}
			if stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed) {
				return ErrSupervisorGone
			}
			return fmt.Errorf("cluster: worker receive: %w", err)
		}
		w.dispatch(msg)
	}
}

func (w *Worker) dispatch(msg ipc.Message) {
	if msg.Kind == ipc.KindConnection {
		w.attach(msg)
		return
	}
	if msg.File != nil {
		msg.File.Close()
	}

	w.mu.RLock()
	fn := w.handlers[msg.Kind]
	w.mu.RUnlock()
	if fn == nil {
		w.logger.Debug("no handler for message", "kind", msg.Kind)
		return
	}
	fn(msg.Envelope)
}

func (w *Worker) attach(msg ipc.Message) {
	if msg.File == nil {
		w.logger.Warn("connection message without descriptor")
		return
	}
	conn, err := net.FileConn(msg.File)
	msg.File.Close()
	if err != nil {
		w.logger.Warn("attach routed connection failed", "error", err)
		return
	}
	if !w.listener.push(conn) {
		conn.Close()
	}
}

// Close closes the channel and the listener.
func (w *Worker) Close() error {
	w.listener.Close()
	return w.ch.Close()
}

// connListener is a net.Listener fed by connections passed from the supervisor.
type connListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newConnListener() *connListener {
	return &connListener{
		conns:  make(chan net.Conn, 64),
		closed: make(chan struct{}),
	}
}

func (l *connListener) push(c net.Conn) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.conns <- c:
		return true
	case <-l.closed:
		return false
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return listenerAddr{}
}

type listenerAddr struct{}

func (listenerAddr) Network() string { return "hive" }
func (listenerAddr) String() string  { return "supervisor" }
