// Package hardware defines the radio collaborator contract the workflow
// engine drives, plus deterministic simulators for both bands. Real drivers
// are out of scope; the engine only ever sees this interface.
package hardware

import (
	"context"

	"github.com/halcyonrf/txgate/pkg/schema"
)

// Collaborator is the per-band radio surface the engine consumes. The engine
// treats it as a synchronous pollable source: one HasSignal/Receive pair per
// control-loop iteration, no callbacks. Implementations may be event-driven
// underneath but must present this polling face.
//
// A collaborator that cannot initialize is a hard INIT_FAILED at workflow
// start. Every other method may fail at any time; the engine maps failures
// to HARDWARE_FAILURE or TRANSMISSION_FAILED and never retries Transmit
// automatically.
type Collaborator interface {
	// Init brings the radio up with the transmitter disabled.
	Init(ctx context.Context) error

	// StartReceive and StopReceive bracket the Listening phase.
	StartReceive() error
	StopReceive() error

	// HasSignal reports whether Receive would return a record now.
	HasSignal() bool

	// Receive returns the next captured record. Calling it when HasSignal
	// is false is an error.
	Receive() (*schema.CapturedSignal, error)

	// SetTransmitEnabled toggles the transmitter. The engine keeps it false
	// in every state except the transmitting one.
	SetTransmitEnabled(enabled bool)

	// TransmitEnabled reports the current transmitter switch position.
	TransmitEnabled() bool

	// Transmit replays the signal once. It fails if the transmitter is
	// disabled.
	Transmit(ctx context.Context, sig *schema.CapturedSignal) error

	// Healthy reports whether the radio is still usable.
	Healthy() bool

	// Shutdown disables the transmitter and releases the radio.
	Shutdown() error
}
