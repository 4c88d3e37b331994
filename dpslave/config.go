// Package dpslave implements the DP slave lifecycle state machine, the
// well-known SAP handlers, the cyclic data-exchange engine, and the
// watchdog (§4.5). It is the top-level owner in the ownership chain
// DpSlave -> FDL -> Codec -> HwBus (§9 design notes).
package dpslave

import (
	"errors"

	"github.com/joao404/profibus-dp-slave/hwbus"
	"github.com/joao404/profibus-dp-slave/pbuslog"
)

// Default configuration values (§6 external interfaces).
const (
	DefaultStationAddress uint16 = 126
	DefaultSlotTimeMax    uint32 = 65000
	DefaultMinTSDRBitTime uint32 = 20
)

// Application is the data-processing callback contract: the core never
// maps I/O bytes to physical signals itself (§1 scope). The core
// guarantees it never invokes these re-entrantly or concurrently (§5).
type Application interface {
	// UpdateOutputs is invoked synchronously whenever new output data
	// from the master takes effect (immediately outside SYNC mode, or on
	// the next SYNC global control). output aliases the slave's live
	// output register; the callback must not retain the slice.
	UpdateOutputs(output []byte)
	// UpdateInputs is invoked synchronously to let the application
	// refresh input data before it is latched and sent to the master.
	// The callback must write exactly len(input) bytes into input.
	UpdateInputs(input []byte)
}

// Indicator is the optional diagnostic-LED collaborator (§1 scope, §4.5
// GLOBAL_CONTROL). A deployment with no LED may leave it nil.
type Indicator interface {
	// SetMasterStopped reflects the CLEAR_DATA bit of the last
	// GLOBAL_CONTROL: true means the master has stopped issuing outputs.
	SetMasterStopped(stopped bool)
}

// Persister is the optional non-volatile-storage collaborator for a
// locked SET_SLAVE_ADR (§6: "persistence is a collaborator concern"). A
// deployment with no persistent storage may leave it nil; the address
// update always takes effect in RAM regardless.
type Persister interface {
	PersistAddress(stationAddr, identHigh, identLow byte)
}

// Config is the construction-time configuration surface (§6). Call Valid
// to apply defaults and range-check before passing to New.
type Config struct {
	// StationAddress ("t_s") in [0,125]; 0 and 126 are coerced to 126
	// (unconfigured). 127 is the reserved broadcast address and is
	// rejected.
	StationAddress byte
	// SlotTimeMax ("t_sl") bounds higher-level timeout diagnostics only;
	// the core does not itself enforce it.
	SlotTimeMax uint32
	// MinTSDRBitTimes ("t_sdr_min") is the minimum response idle time,
	// in bit-times.
	MinTSDRBitTimes uint32
	// BaudRate is the configured UART line rate, bits/second.
	BaudRate uint32

	IdentHigh byte
	IdentLow  byte

	// ModuleConfig is the verbatim expected CHK_CFG payload. Its length
	// is fixed for the life of the DpSlave.
	ModuleConfig []byte

	InputSize      int
	OutputSize     int
	UserParaSize   int
	ExtDiagSize    int

	ReceiveHandling hwbus.ReceiveHandling

	HwBus       hwbus.HwBus
	Application Application
	Indicator   Indicator
	Persister   Persister
	Log         pbuslog.Log
}

var (
	// ErrNilHwBus is returned by Valid when no HwBus collaborator was
	// supplied; the core cannot run without one.
	ErrNilHwBus = errors.New("dpslave: config: HwBus is required")
	// ErrNilApplication is returned by Valid when no Application
	// collaborator was supplied.
	ErrNilApplication = errors.New("dpslave: config: Application is required")
	// ErrBroadcastAddress is returned by Valid when StationAddress is
	// the reserved broadcast address 127.
	ErrBroadcastAddress = errors.New("dpslave: config: StationAddress 127 is reserved for broadcast")
	// ErrZeroBaudRate is returned by Valid when BaudRate is 0.
	ErrZeroBaudRate = errors.New("dpslave: config: BaudRate must be nonzero")
)

// Valid coerces StationAddress 0 or 126 to 126 (§3 invariant) and fills
// in every unspecified default, then range-checks the mandatory
// collaborators. Mirrors cs104.Config.Valid: defaulting plus range
// rejection in one pass.
func (c *Config) Valid() error {
	if c.HwBus == nil {
		return ErrNilHwBus
	}
	if c.Application == nil {
		return ErrNilApplication
	}
	if c.BaudRate == 0 {
		return ErrZeroBaudRate
	}
	if c.StationAddress == 127 {
		return ErrBroadcastAddress
	}
	if c.StationAddress == 0 || c.StationAddress == 126 {
		c.StationAddress = byte(DefaultStationAddress)
	}
	if c.SlotTimeMax == 0 {
		c.SlotTimeMax = DefaultSlotTimeMax
	}
	if c.MinTSDRBitTimes == 0 {
		c.MinTSDRBitTimes = DefaultMinTSDRBitTime
	}
	if c.InputSize < 0 || c.OutputSize < 0 || c.UserParaSize < 0 || c.ExtDiagSize < 0 {
		return errors.New("dpslave: config: register sizes must be non-negative")
	}
	return nil
}
