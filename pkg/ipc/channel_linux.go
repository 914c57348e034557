//go:build linux

package ipc

import (
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/vango-dev/hive/internal/errors"
)

// Channel is one end of a supervisor/worker socket pair.
//
// Messages are datagrams on an AF_UNIX SOCK_SEQPACKET socket, so every
// envelope arrives whole and file descriptors travel with the envelope
// they belong to. Send is safe for concurrent use; Recv is not.
type Channel struct {
	conn     *net.UnixConn
	codec    Codec
	workerID atomic.Int64
	buf      []byte
	oob      []byte
}

// Pair creates a connected socket pair. The first file stays with the
// supervisor, the second is handed to the worker.
func Pair() (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "hive-ipc-supervisor"),
		os.NewFile(uintptr(fds[1]), "hive-ipc-worker"), nil
}

// NewChannel wraps f. The channel duplicates the descriptor, so the caller
// may close f afterwards.
func NewChannel(f *os.File, codec Codec) (*Channel, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("ipc: channel from %s: %w", f.Name(), err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("ipc: %s is not a unix socket", f.Name())
	}
	return &Channel{
		conn:  uc,
		codec: codec,
		buf:   make([]byte, MaxMessageSize+1),
		oob:   make([]byte, unix.CmsgSpace(4)),
	}, nil
}

// Codec returns the channel codec.
func (c *Channel) Codec() Codec { return c.codec }

// SetWorkerID stamps id on every outgoing envelope.
func (c *Channel) SetWorkerID(id int) { c.workerID.Store(int64(id)) }

// Send encodes payload into an envelope of the given kind and sends it.
func (c *Channel) Send(kind Kind, payload any) error {
	data, err := encode(c.codec, kind, int(c.workerID.Load()), payload)
	if err != nil {
		return err
	}
	return c.write(kind, data, nil)
}

// Forward re-sends a received envelope unchanged.
func (c *Channel) Forward(env Envelope) error {
	data, err := encodeEnvelope(c.codec, env)
	if err != nil {
		return err
	}
	return c.write(env.Kind, data, nil)
}

// SendFile sends an envelope together with the descriptor of f. The caller
// keeps ownership of f.
func (c *Channel) SendFile(kind Kind, payload any, f *os.File) error {
	data, err := encode(c.codec, kind, int(c.workerID.Load()), payload)
	if err != nil {
		return err
	}
	return c.write(kind, data, unix.UnixRights(int(f.Fd())))
}

func (c *Channel) write(kind Kind, data, oob []byte) error {
	if _, _, err := c.conn.WriteMsgUnix(data, oob, nil); err != nil {
		return errors.New(errors.CodeClusterTransport).WithSubject(string(kind)).Wrap(err)
	}
	return nil
}

// Recv blocks for the next envelope. It returns io.EOF once the peer has
// closed its end. A malformed envelope yields an E131 error and the channel
// stays usable.
func (c *Channel) Recv() (Message, error) {
	n, oobn, flags, _, err := c.conn.ReadMsgUnix(c.buf, c.oob)
	if err != nil {
		// A closed peer surfaces as an *net.OpError wrapping io.EOF.
		if stderrors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, err
	}
	if n == 0 && oobn == 0 {
		return Message{}, io.EOF
	}

	var file *os.File
	if oobn > 0 {
		file, err = parseRights(c.oob[:oobn])
		if err != nil {
			return Message{}, err
		}
	}

	if flags&unix.MSG_TRUNC != 0 || n > MaxMessageSize {
		if file != nil {
			file.Close()
		}
		return Message{}, errors.New(errors.CodeIPCFrame).WithDetail("Envelope exceeds the maximum IPC message size")
	}

	env, err := decodeEnvelope(c.codec, c.buf[:n])
	if err != nil {
		if file != nil {
			file.Close()
		}
		return Message{}, err
	}
	return Message{Envelope: env, File: file}, nil
}

// Close closes the channel. A blocked Recv returns an error.
func (c *Channel) Close() error {
	return c.conn.Close()
}

func parseRights(oob []byte) (*os.File, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.New(errors.CodeIPCFrame).Wrap(err)
	}
	var file *os.File
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			if file == nil {
				file = os.NewFile(uintptr(fd), "hive-ipc-conn")
				continue
			}
			unix.Close(fd)
		}
	}
	return file, nil
}
