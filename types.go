package overlayrelay

import (
	"fmt"
	"time"
)

// State is the controller lifecycle state.
type State int

const (
	// StateIdle means Start has not run yet.
	StateIdle State = iota
	// StateRunning means the worker is relaying frames.
	StateRunning
	// StatePaused means the worker is parked with capture streaming off.
	StatePaused
	// StateStopped is terminal.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind identifies a lifecycle notification.
type EventKind int

const (
	// EventStarted is emitted when the worker enters the poll loop.
	EventStarted EventKind = iota
	// EventPaused is emitted when the worker leaves the poll loop without stopping.
	EventPaused
	// EventStopped is emitted once, after teardown.
	EventStopped
)

// String returns the event name used in logs and topics.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventPaused:
		return "paused"
	case EventStopped:
		return "stopped"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a lifecycle notification.
type Event struct {
	Kind      EventKind
	SessionID string
	Time      time.Time
	// Err is the terminal error of a Stopped event, nil after a user stop
	Err error
	// Frames is the number of frames relayed so far
	Frames uint64
}

// Observer receives lifecycle events.
//
// Delivery is asynchronous and not ordered relative to frame processing.
// Started and Paused are dropped if observers fall behind; Stopped is
// always delivered.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// GeometryFunc places the overlay on screen. It is called once during
// output setup with the top-left corner and size of the overlay.
type GeometryFunc func(x, y int, width, height uint32) error

// Config contains the relay configuration.
type Config struct {
	// CapturePath is the capture device node (default /dev/video1)
	CapturePath string
	// OutputPath is the output overlay device node (default /dev/video0)
	OutputPath string

	// Width and Height are the frame geometry (default 640x480)
	Width  uint32
	Height uint32
	// PixelFormat is the FourCC pixel layout (default "YUYV")
	PixelFormat string
	// Field is the capture field order: any, none, top, bottom, interlaced (default interlaced)
	Field string

	// CaptureBuffers and OutputBuffers are the pool size hints (default 8 and 4)
	CaptureBuffers int
	OutputBuffers  int

	// ScreenWidth and ScreenHeight are the display the overlay is centred on (default 800x480)
	ScreenWidth  uint32
	ScreenHeight uint32
	// Geometry overrides overlay placement. Nil sets the output device overlay window.
	Geometry GeometryFunc

	// PollTimeout bounds each wait for a captured frame (default 1s)
	PollTimeout time.Duration
	// StallRetries is how many poll timeouts in a row are tolerated before
	// the capture source is declared stalled (default 0: the first timeout is fatal)
	StallRetries int
	// StallRetryDelay and StallMaxRetryDelay shape the backoff between tolerated timeouts
	StallRetryDelay    time.Duration
	StallMaxRetryDelay time.Duration

	// StrictSize makes a frame larger than the output buffer fatal.
	// When false the frame is clamped, counted and the relay continues.
	StrictSize bool
	// MaxFPS caps the relay rate (0 = unlimited)
	MaxFPS float64
	// MaxFrames stops the relay after that many frames (0 = unlimited)
	MaxFrames uint64
}

// DefaultConfig returns the configuration of the reference board:
// 640x480 YUYV interlaced from /dev/video1 onto the /dev/video0 overlay,
// centred on an 800x480 panel.
func DefaultConfig() Config {
	return Config{
		CapturePath:        "/dev/video1",
		OutputPath:         "/dev/video0",
		Width:              640,
		Height:             480,
		PixelFormat:        "YUYV",
		Field:              "interlaced",
		CaptureBuffers:     8,
		OutputBuffers:      4,
		ScreenWidth:        800,
		ScreenHeight:       480,
		PollTimeout:        time.Second,
		StallRetries:       0,
		StallRetryDelay:    500 * time.Millisecond,
		StallMaxRetryDelay: 5 * time.Second,
		StrictSize:         true,
	}
}

// Stats contains controller statistics.
type Stats struct {
	// SessionID identifies the current Start
	SessionID string
	// State is the lifecycle state
	State State
	// Resolution is the negotiated frame geometry (e.g., "640x480")
	Resolution string
	// CaptureBuffers and OutputBuffers are the granted pool sizes
	CaptureBuffers int
	OutputBuffers  int
	// FramesRelayed is the number of frames copied to the output
	FramesRelayed uint64
	// BytesRelayed is the payload volume copied to the output
	BytesRelayed uint64
	// WouldBlocks counts dequeues that found no frame ready
	WouldBlocks uint64
	// PollTimeouts counts waits that expired without a frame
	PollTimeouts uint64
	// StallRetries counts tolerated poll timeouts
	StallRetries uint64
	// SizeMismatches counts frames clamped to the output buffer
	SizeMismatches uint64
	// EventsDropped counts Started/Paused events observers missed
	EventsDropped uint64
	// FPS is the measured relay rate over the recent window
	FPS float64
	// FPSStdDev is the standard deviation of the instantaneous rate
	FPSStdDev float64
	// JitterMS is the mean deviation from the expected frame interval
	JitterMS float64
	// IsStable is true when rate and jitter stay within bounds
	IsStable bool
	// LatencyMS is the time since the last relayed frame
	LatencyMS int64
	// Uptime is the time since Start
	Uptime time.Duration
	// LastError is the terminal error, if any
	LastError string
	// LastErrorCategory classifies LastError
	LastErrorCategory string
}
