package model

// CommandKind is the kind of a remote control-plane command.
type CommandKind string

const (
	CommandStart       CommandKind = "start"
	CommandStop        CommandKind = "stop"
	CommandReconfigure CommandKind = "reconfigure"
)

// ControlCommand is one remote command received by the heartbeat control
// plane. IDs are stored in a bounded history for idempotent replay.
type ControlCommand struct {
	ID   string
	Kind CommandKind
	Args map[string]string
}
