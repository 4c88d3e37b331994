package dpslave

import (
	"github.com/joao404/profibus-dp-slave/codec"
	"github.com/joao404/profibus-dp-slave/fdl"
	"github.com/joao404/profibus-dp-slave/hwbus"
	"github.com/joao404/profibus-dp-slave/pbuslog"
	"github.com/joao404/profibus-dp-slave/timing"
)

// State is the DP slave lifecycle state (§3). The only legal forward
// transitions are POR->WPRM->WCFG->DXCHG; DXCHG is the terminal steady
// state for the life of a master session (§8 property 2).
type State int

const (
	POR State = iota
	WPRM
	WCFG
	DXCHG
)

func (s State) String() string {
	switch s {
	case POR:
		return "POR"
	case WPRM:
		return "WPRM"
	case WCFG:
		return "WCFG"
	case DXCHG:
		return "DXCHG"
	default:
		return "unknown"
	}
}

// Well-known service access points (§1, §4.5).
const (
	sapSetSlaveAddr   byte = 55
	sapGetCfg         byte = 59
	sapGlobalControl  byte = 58
	sapSlaveDiagnostic byte = 60
	sapSetPrm         byte = 61
	sapChkCfg         byte = 62
)

// Response function codes for NIL-SAP replies (§4.5).
const (
	fcFDLStatusResponse byte = 0x00
	fcDataLow           byte = 0x08
	fcDataHigh          byte = 0x0A
)

// Diagnostic status-byte-1 sticky flags. The standard does not fix exact
// bit numbers for these in the distilled spec beyond their names; these
// values are chosen to be stable and mutually exclusive, and are an Open
// Question decision recorded in DESIGN.md.
const (
	status1StationNotReady byte = 0x02
	status1CfgFault        byte = 0x04
	status1ExtDiag         byte = 0x08
)

// Diagnostic status-byte-2 flags (§4.5). status2Default is always set,
// independent of any other condition.
const (
	status2PrmReq     byte = 0x01
	status2Default    byte = 0x04
	status2WDOn       byte = 0x08
	status2FreezeMode byte = 0x10
	status2SyncMode   byte = 0x20
)

// SET_PRM status-byte activation flags (§4.5). Fixed wire positions.
const (
	ActivateFreeze   byte = 0x10
	ActivateSync     byte = 0x20
	ActivateWatchdog byte = 0x08
)

// GLOBAL_CONTROL control-byte bits (§4.5). Tested in the order UNFREEZE,
// UNSYNC, FREEZE, SYNC; first match wins.
const (
	gcClearData byte = 0x02
	gcUnfreeze  byte = 0x04
	gcFreeze    byte = 0x08
	gcUnsync    byte = 0x10
	gcSync      byte = 0x20
)

// DpSlave is the top-level owner of the whole core: DpSlave -> FDL ->
// Codec -> HwBus.
type DpSlave struct {
	cfg Config
	hw  hwbus.HwBus
	fdl   *fdl.FDL
	codec *codec.Codec
	log   pbuslog.Log

	state State

	stationAddr byte
	identHigh   byte
	identLow    byte
	addrLocked  bool
	masterAddr  byte // address of the master that last accepted SET_PRM; 0xFF = none

	moduleConfig []byte

	inputData  []byte
	outputData []byte
	userPara   []byte
	externDiagPara []byte

	inputDataBuffer  []byte
	outputDataBuffer []byte

	freezeActive     bool
	syncActive       bool
	freezeConfigured bool
	syncConfigured   bool
	group            byte

	stationNotReady bool
	cfgFault        bool
	extDiag         bool

	watchdogActive       bool
	watchdogTimeMs       uint32
	lastConnectionTimeMs uint32
	watchdogTripped      bool
}

// New validates cfg and constructs the full stack (Codec, FDL, DpSlave),
// wiring the one-way capability interfaces described in §9: the DpSlave
// is built first so it can be handed to the FDL as a ServiceHandler, the
// Codec is built with the FDL as its FrameHandler, and finally the FDL's
// Transmitter is bound to the freshly built Codec — avoiding a
// constructor cycle without ever taking a back-pointer.
func New(cfg Config) (*DpSlave, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	d := &DpSlave{
		cfg:              cfg,
		hw:               cfg.HwBus,
		log:              cfg.Log,
		state:            POR,
		stationAddr:      cfg.StationAddress,
		identHigh:        cfg.IdentHigh,
		identLow:         cfg.IdentLow,
		masterAddr:       0xFF,
		moduleConfig:     append([]byte(nil), cfg.ModuleConfig...),
		inputData:        make([]byte, cfg.InputSize),
		outputData:       make([]byte, cfg.OutputSize),
		userPara:         make([]byte, cfg.UserParaSize),
		externDiagPara:   make([]byte, cfg.ExtDiagSize),
		inputDataBuffer:  make([]byte, cfg.InputSize),
		outputDataBuffer: make([]byte, cfg.OutputSize),
		stationNotReady:  true,
	}

	f := fdl.New(d, cfg.Log)
	t := timing.New(cfg.BaudRate, cfg.MinTSDRBitTimes)
	c := codec.New(cfg.HwBus, t, f, cfg.ReceiveHandling, d.stationAddr, cfg.Log)
	f.BindTransmitter(c)

	d.fdl = f
	d.codec = c
	return d, nil
}

// Start arms the Codec and begins listening for telegrams.
func (d *DpSlave) Start() { d.codec.Start() }

// State returns the current DP lifecycle state.
func (d *DpSlave) State() State { return d.state }

// StationAddress returns the current station address ("t_s").
func (d *DpSlave) StationAddress() byte { return d.stationAddr }

// OnRxByte, OnTxDone and OnTimerExpiry forward the three mutually
// exclusive interrupt-context events (§5) to the underlying Codec. The
// embedding main loop wires these to the real UART RX, UART TX and timer
// interrupt vectors.
func (d *DpSlave) OnRxByte()      { d.codec.OnRxByte() }
func (d *DpSlave) OnTxDone()      { d.codec.OnTxDone() }
func (d *DpSlave) OnTimerExpiry() { d.codec.OnTimerExpiry() }

// ProcessDeferred completes a receive posted via
// HwBus.ScheduleReceiveHandling, for deployments configured with
// hwbus.Deferred receive handling.
func (d *DpSlave) ProcessDeferred() { d.codec.ProcessDeferred() }

// WatchdogTick re-evaluates the watchdog against the current wall clock.
// Call periodically (e.g. from the same timer that drives TSYN/TSDR, or
// a slower housekeeping tick) — "driven by any timer callback or an
// explicit fdl_timer_call" (§4.5).
func (d *DpSlave) WatchdogTick() {
	if !d.watchdogActive || d.watchdogTripped {
		return
	}
	now := d.hw.Millis()
	if now-d.lastConnectionTimeMs < d.watchdogTimeMs {
		return
	}
	d.watchdogTripped = true
	for i := range d.outputData {
		d.outputData[i] = 0
	}
	d.cfg.Application.UpdateOutputs(d.outputData)
	d.log.Warn("dpslave: watchdog expired, outputs zeroed")
}

// SetExternDiag lets the application surface additional diagnostic
// payload and the EXT_DIAG sticky status bit, reported on the next
// SLAVE_DIAGNOSTIC poll (§7).
func (d *DpSlave) SetExternDiag(active bool, payload []byte) {
	d.extDiag = active
	copy(d.externDiagPara, payload)
}

func (d *DpSlave) status1() byte {
	var s byte
	if d.stationNotReady {
		s |= status1StationNotReady
	}
	if d.cfgFault {
		s |= status1CfgFault
	}
	if d.extDiag {
		s |= status1ExtDiag
	}
	return s
}

func (d *DpSlave) status2() byte {
	s := status2Default
	if d.watchdogActive {
		s |= status2WDOn
	}
	if d.freezeActive {
		s |= status2FreezeMode
	}
	if d.syncActive {
		s |= status2SyncMode
	}
	if d.state == POR {
		s |= status2PrmReq
	}
	return s
}

// reciprocalSAP flips a request SAP pair into the pair a response frame
// must carry: the slave's own SAP becomes SSAP, the master's becomes
// DSAP (§4.5, observed in scenario B: "slave SAP 60 -> master SAP 62").
func reciprocalSAP(req *codec.SAP) *codec.SAP {
	if req == nil {
		return nil
	}
	return &codec.SAP{DSAP: req.SSAP, SSAP: req.DSAP}
}

var _ fdl.ServiceHandler = (*DpSlave)(nil)
