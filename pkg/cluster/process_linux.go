//go:build linux

package cluster

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// ExecSpawner starts each worker by re-executing a binary, usually the
// running executable with a hidden worker subcommand. The IPC socket is
// passed as file descriptor 3.
type ExecSpawner struct {
	// Binary is the executable path. Defaults to os.Executable().
	Binary string

	// Args are the worker arguments, e.g. []string{"worker", "--config", path}.
	Args []string

	// Env is appended to the supervisor environment.
	Env []string

	// Dir is the working directory.
	Dir string

	// Stdout and Stderr default to the supervisor's.
	Stdout io.Writer
	Stderr io.Writer
}

type execProcess struct {
	cmd *exec.Cmd
}

// Spawn implements Spawner.
func (s ExecSpawner) Spawn(ctx context.Context, id int, ipcFile *os.File) (Process, error) {
	binary := s.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		binary = exe
	}

	cmd := exec.Command(binary, s.Args...)
	cmd.Dir = s.Dir
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, EnvWorkerID+"="+strconv.Itoa(id))
	cmd.ExtraFiles = []*os.File{ipcFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Workers must not outlive the supervisor.
		Pdeathsig: syscall.SIGTERM,
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
