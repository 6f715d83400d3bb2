// Package halcore is the driver boundary: the handle interfaces a platform
// supplies and the bus handles and providers the workers acquire.
package halcore

import "github.com/riot-framework/riot-core/types"

// ---- GPIO handles ----

// Pin is the part every provisioned pin handle shares.
type Pin interface {
	Number() int
	SetPull(p types.Pull) error
	// Release returns the pin to the driver. The handle is unusable afterwards.
	Release() error
}

type DigitalOutput interface {
	Pin
	Set(high bool) error
	Get() (bool, error)
	// SetShutdown registers the level the driver applies if the process
	// exits without a clean shutdown.
	SetShutdown(high bool) error
}

type DigitalInput interface {
	Pin
	Get() (bool, error)
	// SetIRQ installs handler for the selected edges. handler runs in
	// interrupt context on MCU targets and must not block.
	SetIRQ(edge types.Edge, handler func()) error
	ClearIRQ() error
}

// DigitalIO is a digital input that can temporarily drive the line.
type DigitalIO interface {
	DigitalInput
	SetDirection(output bool) error
	Set(high bool) error
}

type AnalogOutput interface {
	Pin
	SetValue(v float64) error
	Value() (float64, error)
	SetShutdown(v float64) error
}

type AnalogInput interface {
	Pin
	Value() (float64, error)
	OnChange(fn func(v float64)) error
	ClearOnChange() error
}

type PWMOutput interface {
	Pin
	// SetRange sets the number of steps a full duty cycle spans.
	SetRange(steps int) error
	SetPWM(steps int) error
	PWM() (int, error)
	SetShutdown(steps int) error
}

// Driver provisions GPIO handles. Board pin mapping has already been
// applied: pin is the driver's own numbering.
type Driver interface {
	ProvisionDigitalOutput(pin int, name string) (DigitalOutput, error)
	ProvisionDigitalInput(pin int, name string) (DigitalInput, error)
	ProvisionDigitalIO(pin int, name string) (DigitalIO, error)
	ProvisionAnalogOutput(pin int, name string) (AnalogOutput, error)
	ProvisionAnalogInput(pin int, name string) (AnalogInput, error)
	ProvisionPWMOutput(pin int, name string) (PWMOutput, error)
}
