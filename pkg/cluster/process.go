package cluster

import (
	"context"
	"os"
	"sync"

	"github.com/vango-dev/hive/pkg/ipc"
)

// EnvWorkerID carries the worker id into a spawned worker process.
const EnvWorkerID = "HIVE_WORKER_ID"

// Process is a running worker.
type Process interface {
	// Wait blocks until the worker exits.
	Wait() error

	// Signal asks the worker to stop.
	Signal(sig os.Signal) error

	// Kill stops the worker immediately.
	Kill() error
}

// Spawner starts workers. The worker receives ipcFile as its channel to the
// supervisor; the supervisor closes its copy once Spawn returns.
type Spawner interface {
	Spawn(ctx context.Context, id int, ipcFile *os.File) (Process, error)
}

// InProcessSpawner runs workers as goroutines inside the supervisor process.
// Each goroutine still talks to the supervisor over a real socket pair.
type InProcessSpawner struct {
	// Codec must match the supervisor codec. Defaults to JSON.
	Codec ipc.Codec

	// Run is the worker body. The worker's context is cancelled on Signal or Kill.
	Run func(ctx context.Context, w *Worker) error
}

// Spawn implements Spawner.
func (s InProcessSpawner) Spawn(ctx context.Context, id int, ipcFile *os.File) (Process, error) {
	ch, err := ipc.NewChannel(ipcFile, s.Codec)
	if err != nil {
		return nil, err
	}
	w := NewWorker(id, ch, nil)

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &goroutineProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer w.Close()
		p.err = s.Run(wctx, w)
	}()
	return p, nil
}

type goroutineProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (p *goroutineProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *goroutineProcess) Signal(os.Signal) error {
	p.once.Do(p.cancel)
	return nil
}

func (p *goroutineProcess) Kill() error {
	return p.Signal(os.Kill)
}
