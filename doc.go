// Package overlayrelay relays frames from a V4L2 capture device to a V4L2
// output overlay through memory-mapped buffer pools.
//
// A Controller owns both devices. Start opens and negotiates them, maps the
// buffer pools, primes the output queue and launches a worker goroutine
// that waits for captured frames and copies each one into an output buffer.
// The owning goroutine drives the stream with Pause (a toggle) and Stop,
// and joins the worker with Wait.
//
// # Quick Start
//
//	ctrl, err := overlayrelay.New(overlayrelay.DefaultConfig(), v4l2.NewKernelDriver())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctrl.AddObserver(overlayrelay.ObserverFunc(func(ev overlayrelay.Event) {
//	    log.Printf("relay %s", ev.Kind)
//	}))
//
//	if err := ctrl.Start(ctx); err != nil {
//	    log.Fatal(err) // nothing is left open or mapped
//	}
//
//	ctrl.Pause() // Running -> Paused
//	ctrl.Pause() // Paused -> Running
//
//	ctrl.Stop()
//	if err := ctrl.Wait(); err != nil {
//	    log.Printf("relay failed: %v", err)
//	}
//
// # State Machine
//
//	Idle --Start--> Running <--Pause--> Paused
//	  |                |                  |
//	  +------Stop------+-------Stop-------+--> Stopped (terminal)
//
// A fatal error in the worker (a dequeue failure, or the capture source
// going quiet for longer than the poll timeout) moves the controller to
// Stopped as well. Teardown runs exactly once however Stopped is reached:
// both queues are stopped, both pools are unmapped and released and both
// devices are closed.
//
// # Error Handling
//
// Errors are classified into categories (see ErrorCategory):
//
//   - setup: open, capability, format, buffer or mapping failures; Start
//     returns them and the controller never reaches Running
//   - runtime: dequeue failures and capture stalls; reported by Wait, Err
//     and the Stopped event
//   - transient: no frame ready (WouldBlock) and interrupted waits; counted
//     in Stats, never surfaced
//   - shutdown: stream off and unmap failures during teardown; logged
//
// The package never exits the process; cmd/overlayd decides what a
// terminal error means.
package overlayrelay
