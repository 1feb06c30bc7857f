package overlayrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/e7canasta/overlay-relay/internal/device"
	"github.com/e7canasta/overlay-relay/internal/ratestats"
	"github.com/e7canasta/overlay-relay/internal/relay"
	"github.com/e7canasta/overlay-relay/internal/retry"
	"github.com/e7canasta/overlay-relay/internal/v4l2"
)

// Controller runs the capture -> output relay and its state machine.
type Controller struct {
	// Configuration
	cfg    Config
	format v4l2.Format
	drv    v4l2.Driver

	// State machine, guarded by mu. cond parks the worker while paused.
	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	starting   bool
	err        error
	sessionID  string
	started    time.Time
	log        *slog.Logger
	loopCancel context.CancelFunc

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool
	done      chan struct{}
	doneOnce  sync.Once
	tearOnce  sync.Once

	// Owned by the worker once Start returns
	capture *device.Device
	output  *device.Device
	relay   *relay.Relay
	limiter *rate.Limiter
	stall   retry.State

	stallCfg retry.Config
	rates    *ratestats.Window
	events   *dispatcher

	// Pool sizes granted during setup, guarded by mu
	captureGranted int
	outputGranted  int

	// Statistics (atomic for thread-safety)
	wouldBlocks  atomic.Uint64
	pollTimeouts atomic.Uint64
	lastFrameAt  atomic.Int64
}

// Compile-time check that Controller implements StreamController
var _ StreamController = (*Controller)(nil)

// New creates a controller with fail-fast validation.
//
// Zero-valued fields of cfg take their DefaultConfig values, except
// StrictSize. Observers receive lifecycle events; more can be added with
// AddObserver before Start.
func New(cfg Config, drv v4l2.Driver, observers ...Observer) (*Controller, error) {
	if drv == nil {
		return nil, fmt.Errorf("overlayrelay: driver is required")
	}

	cfg = withDefaults(cfg)
	format, err := validate(cfg)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:    cfg,
		format: format,
		drv:    drv,
		state:  StateIdle,
		log:    slog.Default(),
		done:   make(chan struct{}),
		stallCfg: retry.Config{
			MaxRetries:    cfg.StallRetries,
			RetryDelay:    cfg.StallRetryDelay,
			MaxRetryDelay: cfg.StallMaxRetryDelay,
		},
		rates:  ratestats.NewWindow(ratestats.DefaultWindow),
		events: newDispatcher(observers),
	}
	c.cond = sync.NewCond(&c.mu)

	if cfg.MaxFPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxFPS), 1)
	}

	slog.Info("overlayrelay: controller created",
		"capture", cfg.CapturePath,
		"output", cfg.OutputPath,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"pixel_format", cfg.PixelFormat,
		"poll_timeout", cfg.PollTimeout,
		"stall_retries", cfg.StallRetries,
		"max_fps", cfg.MaxFPS,
		"max_frames", cfg.MaxFrames,
	)

	return c, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.CapturePath == "" {
		cfg.CapturePath = def.CapturePath
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = def.OutputPath
	}
	if cfg.Width == 0 && cfg.Height == 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.PixelFormat == "" {
		cfg.PixelFormat = def.PixelFormat
	}
	if cfg.Field == "" {
		cfg.Field = def.Field
	}
	if cfg.CaptureBuffers == 0 {
		cfg.CaptureBuffers = def.CaptureBuffers
	}
	if cfg.OutputBuffers == 0 {
		cfg.OutputBuffers = def.OutputBuffers
	}
	if cfg.ScreenWidth == 0 && cfg.ScreenHeight == 0 {
		cfg.ScreenWidth, cfg.ScreenHeight = def.ScreenWidth, def.ScreenHeight
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.StallRetryDelay == 0 {
		cfg.StallRetryDelay = def.StallRetryDelay
	}
	if cfg.StallMaxRetryDelay == 0 {
		cfg.StallMaxRetryDelay = def.StallMaxRetryDelay
	}
	return cfg
}

func validate(cfg Config) (v4l2.Format, error) {
	if cfg.CapturePath == cfg.OutputPath {
		return v4l2.Format{}, fmt.Errorf("overlayrelay: capture and output must be different devices (%s)", cfg.CapturePath)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return v4l2.Format{}, fmt.Errorf("overlayrelay: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if len(cfg.PixelFormat) > 4 {
		return v4l2.Format{}, fmt.Errorf("overlayrelay: invalid pixel format %q (must be a FourCC)", cfg.PixelFormat)
	}
	field, err := v4l2.ParseField(cfg.Field)
	if err != nil {
		return v4l2.Format{}, fmt.Errorf("overlayrelay: %w", err)
	}
	if cfg.CaptureBuffers < 2 || cfg.OutputBuffers < 2 {
		return v4l2.Format{}, fmt.Errorf("overlayrelay: buffer counts must be at least 2 (capture=%d output=%d)",
			cfg.CaptureBuffers, cfg.OutputBuffers)
	}
	if cfg.PollTimeout < 0 {
		return v4l2.Format{}, fmt.Errorf("overlayrelay: invalid poll timeout %s", cfg.PollTimeout)
	}
	if cfg.StallRetries < 0 {
		return v4l2.Format{}, fmt.Errorf("overlayrelay: invalid stall retries %d", cfg.StallRetries)
	}
	if cfg.MaxFPS < 0 {
		return v4l2.Format{}, fmt.Errorf("overlayrelay: invalid max fps %.2f", cfg.MaxFPS)
	}

	return v4l2.Format{
		Width:       cfg.Width,
		Height:      cfg.Height,
		PixelFormat: v4l2.FourCC(cfg.PixelFormat),
		Field:       field,
	}, nil
}

// AddObserver registers o for lifecycle events.
func (c *Controller) AddObserver(o Observer) {
	c.events.add(o)
}

// Start opens and negotiates both devices, maps both pools, starts the
// output queue and launches the worker. Valid only from Idle.
//
// Setup runs on the calling goroutine. If any step fails every resource
// acquired so far is released, the controller moves to Stopped and the
// error is returned. Cancelling ctx later has the effect of Stop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle || c.starting {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, state)
	}
	c.starting = true
	c.sessionID = uuid.NewString()
	c.started = time.Now()
	c.log = slog.With("session_id", c.sessionID)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	log := c.log
	c.mu.Unlock()

	log.Info("overlayrelay: starting",
		"capture", c.cfg.CapturePath,
		"output", c.cfg.OutputPath,
	)

	c.events.start()

	if err := c.setup(); err != nil {
		log.Error("overlayrelay: setup failed",
			"error", err,
			"category", ClassifyError(err).String(),
		)
		c.mu.Lock()
		c.state = StateStopped
		c.err = err
		c.mu.Unlock()
		c.finish()
		return err
	}

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		c.finish()
		return ErrStopped
	}
	c.state = StateRunning
	c.mu.Unlock()

	c.stopWatch = context.AfterFunc(ctx, c.Stop)

	go c.run()

	log.Info("overlayrelay: started",
		"capture_card", c.capture.Capabilities().Card,
		"output_card", c.output.Capabilities().Card,
		"capture_buffers", c.captureGranted,
		"output_buffers", c.outputGranted,
	)
	return nil
}

// setup acquires both devices. On error the caller tears down whatever was acquired.
func (c *Controller) setup() error {
	geometry := device.GeometryConfigurator(nil)
	if c.cfg.Geometry != nil {
		geometry = device.GeometryFunc(c.cfg.Geometry)
	}

	out, err := device.Open(c.drv, device.Config{
		Path:      c.cfg.OutputPath,
		Direction: v4l2.Output,
		Screen:    device.Size{Width: c.cfg.ScreenWidth, Height: c.cfg.ScreenHeight},
		Geometry:  geometry,
	})
	if err != nil {
		return err
	}
	c.output = out

	capture, err := device.Open(c.drv, device.Config{
		Path:      c.cfg.CapturePath,
		Direction: v4l2.Capture,
	})
	if err != nil {
		return err
	}
	c.capture = capture

	// Output first: the capture frame size is checked against it
	if err := out.NegotiateCapabilities(); err != nil {
		return err
	}
	outFormat := c.format
	outFormat.Field = v4l2.FieldAny
	if _, err := out.SetFormat(outFormat); err != nil {
		return err
	}
	if err := out.Allocate(c.cfg.OutputBuffers); err != nil {
		return err
	}

	if err := capture.NegotiateCapabilities(); err != nil {
		return err
	}
	capFormat, err := capture.SetFormat(c.format)
	if err != nil {
		return err
	}
	if err := capture.Allocate(c.cfg.CaptureBuffers); err != nil {
		return err
	}

	outLen := firstBufferLen(out)
	if capLen := int(capFormat.SizeImage); capLen > outLen && outLen > 0 {
		c.log.Warn("overlayrelay: capture frames larger than output buffers",
			"capture_size_image", capLen,
			"output_buffer_length", outLen,
			"strict_size", c.cfg.StrictSize,
		)
	}

	if err := out.StreamOn(); err != nil {
		return err
	}

	c.mu.Lock()
	c.relay = relay.New(out)
	c.captureGranted = capture.Pool().Granted()
	c.outputGranted = out.Pool().Granted()
	c.mu.Unlock()

	return nil
}

func firstBufferLen(d *device.Device) int {
	b, err := d.Buffer(0)
	if err != nil {
		return 0
	}
	return len(b)
}

// run is the worker goroutine.
//
// Every park in Paused is announced with a Paused event, including a pause
// that lands before the first Running period streamed.
func (c *Controller) run() {
	defer c.finish()

	announcedPause := false
	for {
		c.mu.Lock()
		if c.state == StatePaused && !announcedPause {
			c.mu.Unlock()
			c.announcePause()
			announcedPause = true
			continue
		}
		for c.state == StatePaused {
			c.cond.Wait()
		}
		if c.state == StateStopped {
			c.mu.Unlock()
			return
		}
		loopCtx, cancel := context.WithCancel(c.ctx)
		c.loopCancel = cancel
		c.mu.Unlock()

		announcedPause = false
		err := c.stream(loopCtx)
		cancel()

		if err != nil {
			c.fail(err)
			return
		}

		if c.State() != StateStopped {
			c.announcePause()
			announcedPause = true
		}
	}
}

func (c *Controller) announcePause() {
	c.emit(EventPaused)
	c.log.Info("overlayrelay: relay loop paused", "frames_relayed", c.relay.Frames())
}

// stream runs one Running period: capture on, relay until paused or
// stopped, capture off. The caller announces the pause.
func (c *Controller) stream(ctx context.Context) error {
	if err := c.capture.StreamOn(); err != nil {
		return fmt.Errorf("%w: %w", ErrRelayFailed, err)
	}

	c.emit(EventStarted)
	c.log.Info("overlayrelay: relay loop started")

	err := c.loop(ctx)

	c.capture.StreamOff()
	c.rates.Reset()

	if err != nil {
		return fmt.Errorf("%w: %w", ErrRelayFailed, err)
	}
	return nil
}

// loop relays frames while the state is Running. A nil return means the
// state changed; an error is fatal.
func (c *Controller) loop(ctx context.Context) error {
	for c.State() == StateRunning {
		if err := retry.Run(ctx, c.waitFrame, c.stallCfg, &c.stall); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		frame, err := c.capture.Dequeue()
		if errors.Is(err, device.ErrWouldBlock) {
			c.wouldBlocks.Add(1)
			continue
		}
		if err != nil {
			return err
		}

		relayErr := c.relay.Forward(frame.Data)

		if err := c.capture.Enqueue(frame.Index, 0); err != nil {
			return err
		}

		if relayErr != nil {
			if c.cfg.StrictSize || !errors.Is(relayErr, relay.ErrSizeMismatch) {
				return relayErr
			}
			if c.relay.Mismatches() == 1 {
				c.log.Warn("overlayrelay: clamping oversized frames", "error", relayErr)
			}
		}

		now := time.Now()
		c.rates.Record(now)
		c.lastFrameAt.Store(now.UnixNano())

		if c.cfg.MaxFrames > 0 && c.relay.Frames() >= c.cfg.MaxFrames {
			c.log.Info("overlayrelay: frame limit reached", "frames_relayed", c.relay.Frames())
			c.Stop()
			return nil
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
	}
	return nil
}

// waitFrame is one bounded wait for a captured frame.
func (c *Controller) waitFrame(ctx context.Context) error {
	ready, err := c.capture.WaitReady(c.cfg.PollTimeout)
	if err != nil {
		return retry.Permanent(err)
	}
	if ready {
		return nil
	}

	// Stop and Pause cancel ctx; an expired wait is then not a stall
	if ctx.Err() != nil {
		return retry.Permanent(ctx.Err())
	}

	c.pollTimeouts.Add(1)
	return fmt.Errorf("%w: no frame within %s", ErrCaptureStalled, c.cfg.PollTimeout)
}

func (c *Controller) emit(kind EventKind) {
	c.events.emit(c.event(kind, nil))
}

func (c *Controller) event(kind EventKind, err error) Event {
	c.mu.Lock()
	id := c.sessionID
	r := c.relay
	c.mu.Unlock()

	ev := Event{Kind: kind, SessionID: id, Time: time.Now(), Err: err}
	if r != nil {
		ev.Frames = r.Frames()
	}
	return ev
}

// fail records a fatal worker error unless the controller is already stopped.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		c.log.Debug("overlayrelay: error after stop ignored", "error", err)
		return
	}
	c.state = StateStopped
	c.err = err
	c.cond.Broadcast()
	c.mu.Unlock()

	c.log.Error("overlayrelay: relay stopped on error",
		"error", err,
		"category", ClassifyError(err).String(),
		"uptime", time.Since(c.started),
		"frames_relayed", c.relay.Frames(),
	)
}

// finish tears down, publishes Stopped and releases Wait.
func (c *Controller) finish() {
	c.teardown()

	if c.stopWatch != nil {
		c.stopWatch()
	}

	c.mu.Lock()
	err := c.err
	c.mu.Unlock()

	c.events.close(c.event(EventStopped, err))
	c.cancel()
	c.closeDone()

	c.log.Info("overlayrelay: stopped",
		"error", err,
		"uptime", time.Since(c.started),
	)
}

// teardown stops both queues, releases both pools and closes both devices,
// exactly once. Failures are logged and do not stop the remaining steps.
func (c *Controller) teardown() {
	c.tearOnce.Do(func() {
		devices := []*device.Device{c.capture, c.output}

		for _, d := range devices {
			if d != nil && d.Streaming() {
				d.StreamOff()
			}
		}
		for _, d := range devices {
			if d == nil {
				continue
			}
			if err := d.ReleaseBuffers(); err != nil {
				c.log.Warn("overlayrelay: releasing buffers failed",
					"path", d.Path(),
					"error", fmt.Errorf("%w: %w", ErrTeardown, err),
				)
			}
		}
		for _, d := range devices {
			if d == nil {
				continue
			}
			if err := d.Close(); err != nil {
				c.log.Warn("overlayrelay: closing device failed",
					"path", d.Path(),
					"error", fmt.Errorf("%w: %w", ErrTeardown, err),
				)
			}
		}
	})
}

func (c *Controller) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Pause toggles between Running and Paused and returns the new state.
//
// Leaving Running cuts the current wait short; the worker turns capture
// streaming off, emits Paused and parks. Leaving Paused wakes it.
func (c *Controller) Pause() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRunning:
		c.state = StatePaused
		if c.loopCancel != nil {
			c.loopCancel()
		}
	case StatePaused:
		c.state = StateRunning
		c.cond.Broadcast()
	default:
		return c.state, fmt.Errorf("%w: pause while %s", ErrInvalidState, c.state)
	}

	c.log.Info("overlayrelay: toggled", "state", c.state.String())
	return c.state, nil
}

// Stop moves the controller to Stopped and wakes the worker out of the
// paused wait or the poll loop. It does not wait; use Wait to join the
// worker. Safe to call more than once and from any goroutine.
//
// Stopping a controller that was never started delivers Stopped to the
// observers before Done is closed.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateStopped
	c.cond.Broadcast()
	if c.loopCancel != nil {
		c.loopCancel()
	}
	if c.cancel != nil {
		c.cancel()
	}
	neverStarted := prev == StateIdle && !c.starting
	log := c.log
	c.mu.Unlock()

	log.Info("overlayrelay: stop requested", "from", prev.String())

	if neverStarted {
		c.events.start()
		c.events.close(c.event(EventStopped, nil))
		c.closeDone()
	}
}

// Wait blocks until the controller has stopped and torn down, and returns
// the terminal error (nil after Stop or context cancellation).
func (c *Controller) Wait() error {
	<-c.done
	return c.Err()
}

// Done is closed once the controller has stopped and torn down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id of the current Start, empty before Start.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Stats returns current statistics. Safe to call from any goroutine.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		SessionID:      c.sessionID,
		State:          c.state,
		Resolution:     fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		CaptureBuffers: c.captureGranted,
		OutputBuffers:  c.outputGranted,
	}
	r := c.relay
	started := c.started
	err := c.err
	c.mu.Unlock()

	if r != nil {
		s.FramesRelayed = r.Frames()
		s.BytesRelayed = r.Bytes()
		s.SizeMismatches = r.Mismatches()
	}
	s.WouldBlocks = c.wouldBlocks.Load()
	s.PollTimeouts = c.pollTimeouts.Load()
	s.StallRetries = c.stall.Retries.Load()
	s.EventsDropped = c.events.droppedCount()

	fps := c.rates.Snapshot()
	s.FPS = fps.FPSMean
	s.FPSStdDev = fps.FPSStdDev
	s.JitterMS = fps.JitterMean * 1000
	s.IsStable = fps.IsStable

	if last := c.lastFrameAt.Load(); last > 0 {
		s.LatencyMS = time.Since(time.Unix(0, last)).Milliseconds()
	}
	if !started.IsZero() {
		s.Uptime = time.Since(started)
	}
	if err != nil {
		s.LastError = err.Error()
		s.LastErrorCategory = ClassifyError(err).String()
	}

	return s
}
