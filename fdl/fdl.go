// Package fdl implements the Fieldbus Data Link function-code handling
// layer (§4.4): request primitive decoding, the FCB/FCV duplicate-retry
// rule, and dispatch of SAP-addressed vs. NIL-SAP service requests up to
// the DP layer.
//
// The cyclic Codec-FDL-DpSlave back-reference the reference implementation
// struggles with (§9) is avoided here the same way the teacher avoids a
// back-pointer from asdu into its transport: FDL implements
// codec.FrameHandler (the downward call Codec makes into it) and is itself
// a Transmitter facade (the upward call DpSlave makes through it), bound to
// the real codec.Codec with BindTransmitter after both sides exist.
package fdl

import (
	"github.com/joao404/profibus-dp-slave/codec"
	"github.com/joao404/profibus-dp-slave/pbuslog"
)

// Request primitive low nibble values (§4.4). Only the primitives this
// slave must recognise are named; others are reserved/unused by a slave
// role.
const (
	SDALow            byte = 0x03 // Send Data w/ Ack, low priority (not used by this slave)
	SDNLow            byte = 0x04 // Send Data, No ack
	SDAHigh           byte = 0x05
	SDNHigh           byte = 0x06
	MSRD              byte = 0x07 // multi-cast response
	RequestFDLStatus  byte = 0x09 // station status query
	SRDLow            byte = 0x0C // Send and Request Data, low priority
	SRDHigh           byte = 0x0D // Send and Request Data, high priority
)

const (
	fcRequestFlag byte = 0x40
	fcbBit        byte = 0x20
	fcvBit        byte = 0x10
	primitiveMask byte = 0x0F
)

// FDLStatusOK is the station-status byte returned for REQUEST_FDL_STATUS.
const FDLStatusOK byte = 0x00

// Context is the FCB/FCV duplicate-retry state (§3 FCB context).
// Mutated only on receipt of an SD1/SD2/SD3 request.
type Context struct {
	FcvActivated bool
	FcbLast      bool
	SourceLast   byte
}

// Transmitter is the capability FDL exposes upward to the DP layer: the
// same shape as codec.Codec's public Transmit* methods plus Replay, so
// that FDL can interpose recording for the FCB duplicate rule.
type Transmitter interface {
	TransmitSD1(dest, fc byte) []byte
	TransmitSD2(dest, fc byte, sap *codec.SAP, pdu []byte) ([]byte, error)
	TransmitSD3(dest, fc byte, sap *codec.SAP, pdu [8]byte) []byte
	TransmitSD4(dest byte) []byte
	TransmitSC() []byte
	Replay(frame []byte)
}

// Service is the decoded, FCB-resolved request handed up to the DP layer.
// Duplicate requests never reach the handler at all (the FDL replays the
// stored response itself), so a Service is always "process this for
// real".
type Service struct {
	Source       byte
	Destination  byte
	Primitive    byte // low nibble of the function code, e.g. SRDHigh
	SAP          *codec.SAP
	PDU          []byte
}

// ServiceHandler is the capability interface FDL calls down into once FCB
// handling has decided a request is genuinely new. Implemented by
// dpslave.DpSlave.
type ServiceHandler interface {
	OnService(svc Service)
}

// FDL ties the Codec's decoded Connection records to the DP-layer service
// handler, applying FC decoding and the FCB/FCV retry rule in between.
type FDL struct {
	tx      Transmitter
	handler ServiceHandler
	ctx     Context
	last    []byte
	log     pbuslog.Log
}

// New constructs an FDL with a ServiceHandler already available. The
// Transmitter must be supplied afterwards via BindTransmitter, once the
// Codec it wraps has been constructed (see dpslave.New for the wiring
// order this breaks the construction cycle with).
func New(handler ServiceHandler, log pbuslog.Log) *FDL {
	return &FDL{handler: handler, log: log}
}

// BindTransmitter attaches the underlying Codec. Must be called exactly
// once, before the FDL receives any frame.
func (f *FDL) BindTransmitter(tx Transmitter) { f.tx = tx }

// Context returns a copy of the current FCB/FCV state, for diagnostics
// and tests.
func (f *FDL) Context() Context { return f.ctx }

// OnFrame implements codec.FrameHandler. It is called synchronously by
// the Codec once a frame has been fully received, checksummed, and
// addressed to this station.
func (f *FDL) OnFrame(conn codec.Connection) {
	if conn.FunctionCode&fcRequestFlag == 0 {
		// Not a request (REQ bit clear); this slave never originates
		// traffic outside a response, so such a frame is not for us to
		// act on.
		f.log.Debug("fdl: dropping non-request FC 0x%02x from %d", conn.FunctionCode, conn.Source)
		return
	}

	if f.applyFCB(conn) {
		f.log.Debug("fdl: duplicate request from %d, replaying last response", conn.Source)
		if f.last != nil {
			f.tx.Replay(f.last)
		}
		return
	}

	svc := Service{
		Source:      conn.Source,
		Destination: conn.Destination,
		Primitive:   conn.FunctionCode & primitiveMask,
		SAP:         conn.SAP,
		PDU:         conn.PDU,
	}
	if f.handler != nil {
		f.handler.OnService(svc)
	}
}

// applyFCB implements the FCB/FCV rule of §4.4 exactly. It returns true
// when the request is a duplicate that must be answered by replaying the
// last response verbatim, without reprocessing.
func (f *FDL) applyFCB(conn codec.Connection) bool {
	fc := conn.FunctionCode
	// The SAP-present flag (0x80) is not part of the master's address.
	src := conn.Source & 0x7F
	if fc&(fcbBit|fcvBit) == fcbBit {
		// FCB set, FCV clear: the "start" signature.
		f.ctx.FcvActivated = true
		f.ctx.FcbLast = true
		f.ctx.SourceLast = src
		return false
	}
	if !f.ctx.FcvActivated {
		return false
	}
	if src != f.ctx.SourceLast {
		// A different master aborts the retry sequence.
		f.ctx.FcvActivated = false
		return false
	}
	if (fc&fcbBit != 0) == f.ctx.FcbLast {
		// FCB did not toggle: duplicate.
		return true
	}
	f.ctx.FcbLast = !f.ctx.FcbLast
	return false
}

// recording wrappers: every response the DP layer sends passes through
// here so the FDL can cache it verbatim for FCB-duplicate replay (§8
// property 5).

func (f *FDL) TransmitSD1(dest, fc byte) []byte {
	b := f.tx.TransmitSD1(dest, fc)
	f.last = b
	return b
}

func (f *FDL) TransmitSD2(dest, fc byte, sap *codec.SAP, pdu []byte) ([]byte, error) {
	b, err := f.tx.TransmitSD2(dest, fc, sap, pdu)
	if err != nil {
		return nil, err
	}
	f.last = b
	return b, nil
}

func (f *FDL) TransmitSD3(dest, fc byte, sap *codec.SAP, pdu [8]byte) []byte {
	b := f.tx.TransmitSD3(dest, fc, sap, pdu)
	f.last = b
	return b
}

func (f *FDL) TransmitSD4(dest byte) []byte {
	b := f.tx.TransmitSD4(dest)
	f.last = b
	return b
}

func (f *FDL) TransmitSC() []byte {
	b := f.tx.TransmitSC()
	f.last = b
	return b
}

// Replay is exposed so FDL satisfies the Transmitter interface uniformly.
// On a detected duplicate, OnFrame replays through the bound Transmitter
// directly, before the DP layer is ever invoked.
func (f *FDL) Replay(frame []byte) {
	f.tx.Replay(frame)
	f.last = frame
}

var _ codec.FrameHandler = (*FDL)(nil)
var _ Transmitter = (*FDL)(nil)
