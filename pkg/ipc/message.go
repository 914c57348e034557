// Package ipc defines the message vocabulary exchanged between the
// supervisor and its workers, and the socket channel that carries it.
//
// Every message travels in an Envelope tagged with a Kind and a
// SchemaVersion. Adding fields to a payload is backward compatible;
// removing or renaming them requires a SchemaVersion bump.
package ipc

// Kind discriminates envelopes.
type Kind string

const (
	// Worker -> supervisor.
	KindWorkerReady    Kind = "worker_ready"
	KindWorkerError    Kind = "worker_error"
	KindPluginsLoaded  Kind = "plugins_loaded"
	KindOptionsUpdated Kind = "options_updated"
	KindRestartServer  Kind = "restart_server"

	// Both directions: worker -> supervisor for relay, supervisor -> siblings.
	KindJobBroadcast Kind = "job_broadcast"

	// Supervisor -> worker.
	KindReinitialize Kind = "reinitialize"
	KindConnection   Kind = "connection"
	KindShutdown     Kind = "shutdown"
)

// SchemaVersion is stamped on every outgoing envelope.
const SchemaVersion = 1

// Envelope is the unit of IPC.
type Envelope struct {
	Kind          Kind    `json:"kind" msgpack:"kind"`
	SchemaVersion int     `json:"schemaVersion" msgpack:"schemaVersion"`
	WorkerID      int     `json:"workerId,omitempty" msgpack:"workerId,omitempty"`
	Payload       Payload `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Payload is a codec-encoded message body. The JSON codec embeds it verbatim.
type Payload []byte

// MarshalJSON embeds the payload as raw JSON.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON captures the raw JSON value.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}

// WorkerStatus is the payload of worker_ready, worker_error and plugins_loaded.
type WorkerStatus struct {
	Elected bool     `json:"elected,omitempty" msgpack:"elected,omitempty"`
	Error   string   `json:"error,omitempty" msgpack:"error,omitempty"`
	Loaded  []string `json:"loaded,omitempty" msgpack:"loaded,omitempty"`
	Failed  []string `json:"failed,omitempty" msgpack:"failed,omitempty"`
	Theme   string   `json:"theme,omitempty" msgpack:"theme,omitempty"`
}

// JobBroadcast carries a job snapshot for delivery to realtime clients on
// sibling workers.
type JobBroadcast struct {
	JobID string `json:"jobId" msgpack:"jobId"`

	// Snapshot is the serialized job exactly as pushed to local clients.
	Snapshot Payload `json:"snapshot" msgpack:"snapshot"`

	// Capabilities are required any-of by receiving connections.
	Capabilities []string `json:"capabilities,omitempty" msgpack:"capabilities,omitempty"`
}

// Connection accompanies a routed connection's file descriptor.
type Connection struct {
	RemoteAddr string `json:"remoteAddr,omitempty" msgpack:"remoteAddr,omitempty"`
	LocalAddr  string `json:"localAddr,omitempty" msgpack:"localAddr,omitempty"`
}

// Shutdown asks a worker to drain within GraceMs.
type Shutdown struct {
	GraceMs int64  `json:"graceMs" msgpack:"graceMs"`
	Reason  string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// Restart is the payload of restart_server.
type Restart struct {
	Reason string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}
