package schema

// Mode selects the pipeline operating mode.
type Mode string

const (
	ModeLive     Mode = "LIVE"
	ModePaper    Mode = "PAPER"
	ModeBacktest Mode = "BACKTEST"
)

// Valid reports whether the mode is one of the supported values.
func (m Mode) Valid() bool {
	return m == ModeLive || m == ModePaper || m == ModeBacktest
}

// Lifecycle names a pipeline lifecycle state.
type Lifecycle string

const (
	LifecycleStarting Lifecycle = "STARTING"
	LifecycleRunning  Lifecycle = "RUNNING"
	LifecyclePaused   Lifecycle = "PAUSED"
	LifecycleStopping Lifecycle = "STOPPING"
	LifecycleStopped  Lifecycle = "STOPPED"
	LifecycleError    Lifecycle = "ERROR"
)

// Command actions accepted on control:command.
const (
	CommandPause    = "pause"
	CommandResume   = "resume"
	CommandSetMode  = "set_mode"
	CommandStatus   = "status"
	CommandShutdown = "shutdown"
)

// ControlCommand is a control-plane instruction issued by the CLI or the
// HTTP surface.
type ControlCommand struct {
	Meta      Meta   `json:"meta"`
	CommandID string `json:"commandId,omitempty"`
	Action    string `json:"action"`
	Mode      Mode   `json:"mode,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ControlState is the orchestrator-owned pipeline state published on
// control:state after every transition.
type ControlState struct {
	Meta              Meta      `json:"meta"`
	Mode              Mode      `json:"mode"`
	Paused            bool      `json:"paused"`
	Lifecycle         Lifecycle `json:"lifecycle"`
	StartedAt         TimeMS    `json:"startedAt"`
	LastCommandAt     TimeMS    `json:"lastCommandAt,omitempty"`
	LastCommand       string    `json:"lastCommand,omitempty"`
	LastCommandReason string    `json:"lastCommandReason,omitempty"`
	ShuttingDown      bool      `json:"shuttingDown"`
}
