package overlayrelay

import "context"

// StreamController defines the control surface of a relay
//
// Implementations must guarantee:
//   - Start() runs setup synchronously and leaves nothing open on failure
//   - Pause() is a toggle: calling it twice returns to the original state
//   - Stop() is idempotent and never blocks on the worker
//   - Wait() returns only after every buffer is unmapped and every device closed
//   - State() and Stats() are safe to call from any goroutine
type StreamController interface {
	// Start opens both devices, maps both buffer pools, primes and starts
	// the output queue and launches the relay worker.
	//
	// Valid only from StateIdle. Returns the setup error (classified as
	// ErrCategorySetup) if any step fails; the controller is then Stopped
	// and fully unwound.
	//
	// Example:
	//   ctrl, _ := overlayrelay.New(cfg, v4l2.NewKernelDriver())
	//   if err := ctrl.Start(ctx); err != nil {
	//       return err
	//   }
	//   defer ctrl.Wait()
	//   defer ctrl.Stop()
	Start(ctx context.Context) error

	// Pause flips between StateRunning and StatePaused and returns the new
	// state. It returns ErrInvalidState from any other state.
	Pause() (State, error)

	// Stop requests the transition to StateStopped from any non-terminal
	// state. The worker observes it at its next wait.
	Stop()

	// Wait blocks until teardown is complete and returns the terminal error.
	Wait() error

	// State returns the current lifecycle state.
	State() State

	// Stats returns current statistics.
	Stats() Stats
}
