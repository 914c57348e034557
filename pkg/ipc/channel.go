package ipc

import (
	"os"

	"github.com/vango-dev/hive/internal/errors"
)

// MaxMessageSize bounds one encoded envelope. Larger sends are rejected.
const MaxMessageSize = 128 << 10

// EnvFD is the file descriptor number a worker finds its channel on.
const EnvFD = 3

// Message is a received envelope and, for connection messages, the passed file.
type Message struct {
	Envelope

	// File is the descriptor passed alongside the envelope, or nil.
	// The receiver owns it and must close it.
	File *os.File
}

// Decode unmarshals the payload of env into v.
func Decode(codec Codec, env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := codec.Unmarshal(env.Payload, v); err != nil {
		return errors.New(errors.CodeIPCFrame).
			WithSubject(string(env.Kind)).
			Wrap(err)
	}
	return nil
}

// encode builds the wire bytes for an envelope with the given payload.
func encode(codec Codec, kind Kind, workerID int, payload any) ([]byte, error) {
	env := Envelope{Kind: kind, SchemaVersion: SchemaVersion, WorkerID: workerID}
	if payload != nil {
		body, err := codec.Marshal(payload)
		if err != nil {
			return nil, errors.New(errors.CodeIPCFrame).WithSubject(string(kind)).Wrap(err)
		}
		env.Payload = body
	}
	return encodeEnvelope(codec, env)
}

func encodeEnvelope(codec Codec, env Envelope) ([]byte, error) {
	data, err := codec.Marshal(env)
	if err != nil {
		return nil, errors.New(errors.CodeIPCFrame).WithSubject(string(env.Kind)).Wrap(err)
	}
	if len(data) > MaxMessageSize {
		return nil, errors.New(errors.CodeIPCFrame).
			WithSubject(string(env.Kind)).
			WithDetail("Envelope exceeds the maximum IPC message size")
	}
	return data, nil
}

// decodeEnvelope parses wire bytes and checks the schema version.
func decodeEnvelope(codec Codec, data []byte) (Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.New(errors.CodeIPCFrame).Wrap(err)
	}
	if env.Kind == "" {
		return Envelope{}, errors.New(errors.CodeIPCFrame).WithDetail("Envelope has no kind")
	}
	if env.SchemaVersion < 1 || env.SchemaVersion > SchemaVersion {
		return Envelope{}, errors.New(errors.CodeIPCFrame).
			WithSubject(string(env.Kind)).
			WithDetail("Unsupported schema version")
	}
	return env, nil
}
