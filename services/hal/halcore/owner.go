package halcore

import (
	"time"

	"tinygo.org/x/drivers"

	"github.com/riot-framework/riot-core/errcode"
)

// Several bus-device workers can sit on one physical bus. The owner hosts a
// single goroutine per bus so their transactions never interleave.

type busReq struct {
	fn   func() error
	done chan error // buffered(1); owner replies best-effort
}

type busOwner struct {
	reqs    chan busReq
	quit    chan struct{}
	timeout time.Duration // 0 => no deadline
}

func newBusOwner(timeout time.Duration) *busOwner {
	o := &busOwner{
		reqs:    make(chan busReq, 16),
		quit:    make(chan struct{}),
		timeout: timeout,
	}
	go o.loop()
	return o
}

func (o *busOwner) loop() {
	for {
		select {
		case req := <-o.reqs:
			err := req.fn()
			select {
			case req.done <- err:
			default:
			}
		case <-o.quit:
			return
		}
	}
}

func (o *busOwner) stop() { close(o.quit) }

func (o *busOwner) do(fn func() error) error {
	req := busReq{fn: fn, done: make(chan error, 1)}

	if o.timeout <= 0 {
		select {
		case o.reqs <- req:
		case <-o.quit:
			return errcode.Stopped
		}
		select {
		case err := <-req.done:
			return err
		case <-o.quit:
			return errcode.Stopped
		}
	}

	// Bounded enqueue
	t := time.NewTimer(o.timeout)
	defer t.Stop()
	select {
	case o.reqs <- req:
	case <-t.C:
		return errcode.Busy
	case <-o.quit:
		return errcode.Stopped
	}

	// Completion
	t.Reset(o.timeout)
	select {
	case err := <-req.done:
		return err
	case <-t.C:
		return errcode.Timeout
	case <-o.quit:
		return errcode.Stopped
	}
}

// SharedI2C serialises every transaction on one I²C bus.
type SharedI2C struct {
	o  *busOwner
	hw drivers.I2C
}

var _ drivers.I2C = (*SharedI2C)(nil)

// NewSharedI2C wraps hw. timeout bounds both the queueing and the
// transaction itself; 0 waits forever.
func NewSharedI2C(hw drivers.I2C, timeout time.Duration) *SharedI2C {
	return &SharedI2C{o: newBusOwner(timeout), hw: hw}
}

func (s *SharedI2C) Tx(addr uint16, w, r []byte) error {
	return s.o.do(func() error { return s.hw.Tx(addr, w, r) })
}

// Close stops the owner goroutine. Pending and later calls fail with errcode.Stopped.
func (s *SharedI2C) Close() { s.o.stop() }

// SharedSPI is SharedI2C for an SPI bus.
type SharedSPI struct {
	o  *busOwner
	hw drivers.SPI
}

var _ drivers.SPI = (*SharedSPI)(nil)

func NewSharedSPI(hw drivers.SPI, timeout time.Duration) *SharedSPI {
	return &SharedSPI{o: newBusOwner(timeout), hw: hw}
}

func (s *SharedSPI) Tx(w, r []byte) error {
	return s.o.do(func() error { return s.hw.Tx(w, r) })
}

func (s *SharedSPI) Transfer(b byte) (byte, error) {
	var out byte
	err := s.o.do(func() error {
		var err error
		out, err = s.hw.Transfer(b)
		return err
	})
	if err != nil {
		return 0, err
	}
	return out, nil
}

func (s *SharedSPI) Close() { s.o.stop() }
