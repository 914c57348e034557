//go:build !linux

package ipc

import (
	"errors"
	"os"
)

// ErrUnsupported is returned on platforms without SOCK_SEQPACKET descriptor passing.
var ErrUnsupported = errors.New("ipc: supervisor channels require linux")

// Channel is unavailable on this platform.
type Channel struct{}

func Pair() (*os.File, *os.File, error)               { return nil, nil, ErrUnsupported }
func NewChannel(*os.File, Codec) (*Channel, error)    { return nil, ErrUnsupported }
func (c *Channel) Codec() Codec                       { return JSONCodec{} }
func (c *Channel) SetWorkerID(int)                    {}
func (c *Channel) Send(Kind, any) error               { return ErrUnsupported }
func (c *Channel) Forward(Envelope) error             { return ErrUnsupported }
func (c *Channel) SendFile(Kind, any, *os.File) error { return ErrUnsupported }
func (c *Channel) Recv() (Message, error)             { return Message{}, ErrUnsupported }
func (c *Channel) Close() error                       { return nil }
