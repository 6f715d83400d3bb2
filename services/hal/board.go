package hal

import (
	"time"

	"github.com/riot-framework/riot-core/services/hal/internal/platform"
)

// Board is the GPIO driver plus bus providers the service builds on.
type Board = platform.Board

// SimBoard is the host simulation, with its devices exposed for stimulation.
type SimBoard = platform.SimBoard

// NewSimBoard builds the simulated board; busTimeout bounds each shared bus
// transaction.
func NewSimBoard(busTimeout time.Duration) *SimBoard { return platform.NewSimBoard(busTimeout) }
