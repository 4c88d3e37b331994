package codec

import (
	"github.com/joao404/profibus-dp-slave/hwbus"
	"github.com/joao404/profibus-dp-slave/pbuslog"
	"github.com/joao404/profibus-dp-slave/timing"
)

// StreamState is the codec-level receive/transmit state (§3), orthogonal
// to the DP-layer DpSlaveState.
type StreamState int

const (
	WaitSyn StreamState = iota
	WaitData
	GetData
	HandleData
	WaitMinTsdr
	SendData
)

func (s StreamState) String() string {
	switch s {
	case WaitSyn:
		return "WaitSyn"
	case WaitData:
		return "WaitData"
	case GetData:
		return "GetData"
	case HandleData:
		return "HandleData"
	case WaitMinTsdr:
		return "WaitMinTsdr"
	case SendData:
		return "SendData"
	default:
		return "unknown"
	}
}

// maxFrameLen is the largest possible PROFIBUS telegram: 255 bytes.
const maxFrameLen = 255

// FrameHandler is the one-way capability interface the Codec calls down
// into once a frame has been fully received, checksummed and found to be
// addressed to this station. Implemented by fdl.FDL. OnFrame runs
// synchronously within the call that detected frame completion (or within
// ProcessDeferred, for deferred receive handling); any response the
// handler wants sent must be issued, synchronously, via one of the
// Codec's Transmit* methods before OnFrame returns.
type FrameHandler interface {
	OnFrame(conn Connection)
}

// Codec drives the interrupt-style stream state machine of §4.3 and
// implements the wire-format (de)serialization of frame.go. It owns the
// fixed RX/TX byte buffers and the single HwBus instance. Received bytes
// accumulate in the RX buffer and each response is copied into the TX
// buffer, but encoding a response (the Transmit* methods) and decoding a
// SAP pair allocate on the heap.
type Codec struct {
	hw      hwbus.HwBus
	timing  timing.Timing
	log     pbuslog.Log
	handler FrameHandler

	receiveHandling hwbus.ReceiveHandling

	stationAddr byte

	state StreamState

	rxBuf [maxFrameLen]byte
	rxLen int

	txBuf             [maxFrameLen]byte
	txLen             int
	txPos             int
	responseScheduled bool
}

// New constructs a Codec bound to hw and t, dispatching decoded frames to
// handler. The station address is mutable afterwards via
// SetStationAddress (SAP 55 SET_SLAVE_ADR updates it at runtime).
func New(hw hwbus.HwBus, t timing.Timing, handler FrameHandler, receiveHandling hwbus.ReceiveHandling, stationAddr byte, log pbuslog.Log) *Codec {
	return &Codec{
		hw:              hw,
		timing:          t,
		log:             log,
		handler:         handler,
		receiveHandling: receiveHandling,
		stationAddr:     stationAddr,
		state:           WaitSyn,
	}
}

// State returns the current stream state. Exposed for tests and for the
// RS-485 driver-enable invariant (§3): TX drive iff State()==SendData.
func (c *Codec) State() StreamState { return c.state }

// StationAddress returns the address used by the destination filter.
func (c *Codec) StationAddress() byte { return c.stationAddr }

// SetStationAddress updates the address used by the destination filter.
// Called by dpslave on SAP 55 SET_SLAVE_ADR.
func (c *Codec) SetStationAddress(addr byte) { c.stationAddr = addr }

// SetMinTsdrBitTimes recomputes TSDR_min from a new bit-time count.
// Called by dpslave when SET_PRM supplies a MinTSDR override.
func (c *Codec) SetMinTsdrBitTimes(bitTimes uint32) {
	c.timing = timing.New(c.timing.BaudRate(), bitTimes)
}

// Start configures the HwBus (UART, timer, RS-485 pins), arms the codec at
// its initial state (WaitSyn) and enables the receiver. Call once.
func (c *Codec) Start() {
	if err := c.hw.ConfigUART(c.timing.BaudRate()); err != nil {
		c.log.Error("codec: ConfigUART: %v", err)
	}
	if err := c.hw.ConfigTimer(); err != nil {
		c.log.Error("codec: ConfigTimer: %v", err)
	}
	if err := c.hw.ConfigRS485Pin(); err != nil {
		c.log.Error("codec: ConfigRS485Pin: %v", err)
	}
	c.toWaitSyn()
}

func (c *Codec) toWaitSyn() {
	c.state = WaitSyn
	c.rxLen = 0
	c.hw.RxRS485Enable()
	c.hw.ActivateRxInterrupt()
	c.hw.RunTimer(c.timing.TSYN())
}

func (c *Codec) appendRx(b byte) {
	if c.rxLen < len(c.rxBuf) {
		c.rxBuf[c.rxLen] = b
		c.rxLen++
	}
	// Buffer overflow: further bytes silently discarded. The inter-byte
	// timer still fires and the oversize/truncated frame is rejected by
	// the length/checksum check in Decode.
}

// OnRxByte is called from the UART receive-interrupt context (or its
// equivalent) when HwBus.IsRxReceived() is true. It drains exactly one
// byte from the HwBus.
func (c *Codec) OnRxByte() {
	b, ok := c.hw.GetUARTValue()
	if !ok {
		return
	}
	switch c.state {
	case WaitSyn:
		// Line wasn't idle for a full TSYN: restart the idle gate. The
		// byte itself belongs to whatever traffic is still in flight and
		// is not part of a frame we can trust the start of.
		c.hw.RunTimer(c.timing.TSYN())
	case WaitData:
		c.rxLen = 0
		c.appendRx(b)
		c.state = GetData
		c.hw.RunTimer(c.timing.TSDRMax())
	case GetData:
		c.appendRx(b)
		c.hw.RunTimer(c.timing.TSDRMax())
	case SendData:
		// A frame received while transmitting is silently discarded.
	default:
	}
}

// OnTimerExpiry is called from the timer-interrupt context when the
// single HwBus timer fires.
func (c *Codec) OnTimerExpiry() {
	switch c.state {
	case WaitSyn:
		c.state = WaitData
		c.hw.RunTimer(c.timing.TSDRMax())
	case WaitData:
		// No byte arrived within TSDR_max of the TSYN gate closing.
		c.toWaitSyn()
	case GetData:
		c.hw.DeactivateRxInterrupt()
		if c.receiveHandling == hwbus.Deferred {
			c.state = HandleData
			c.hw.ScheduleReceiveHandling()
			return
		}
		c.handleFrame()
	case WaitMinTsdr:
		c.beginSend()
	case SendData:
		// Interrupt-loss escape: the TX-done interrupt never arrived.
		c.finishSend()
	case HandleData:
		// Nothing arms a timer while HandleData is in progress.
	}
}

// ProcessDeferred completes a receive that was posted via
// HwBus.ScheduleReceiveHandling(). Only meaningful when the codec was
// constructed with hwbus.Deferred receive handling and the stream is in
// HandleData.
func (c *Codec) ProcessDeferred() {
	if c.state != HandleData {
		return
	}
	c.handleFrame()
}

func (c *Codec) handleFrame() {
	frame := c.rxBuf[:c.rxLen]
	c.rxLen = 0
	conn, ok := Decode(frame, c.stationAddr)
	if !ok {
		c.toWaitSyn()
		return
	}
	c.responseScheduled = false
	if c.handler != nil {
		c.handler.OnFrame(conn)
	}
	if c.responseScheduled {
		c.state = WaitMinTsdr
		c.hw.RunTimer(c.timing.TSDRMin())
		return
	}
	c.toWaitSyn()
}

func (c *Codec) schedule(frame []byte) []byte {
	n := copy(c.txBuf[:], frame)
	c.txLen = n
	c.txPos = 0
	c.responseScheduled = true
	return frame
}

func (c *Codec) beginSend() {
	c.state = SendData
	c.hw.ActivateTxInterrupt()
	c.hw.TxRS485Enable()
	if c.txLen > 0 {
		c.hw.SetUARTValue(c.txBuf[0])
		c.txPos = 1
	}
	c.hw.RunTimer(c.timing.MaxTxTime())
}

// OnTxDone is called from the UART transmit-interrupt context when
// HwBus.IsTxDone() is true.
func (c *Codec) OnTxDone() {
	if c.state != SendData {
		return
	}
	if c.txPos < c.txLen {
		c.hw.SetUARTValue(c.txBuf[c.txPos])
		c.txPos++
		c.hw.RunTimer(c.timing.MaxTxTime())
		return
	}
	c.finishSend()
}

func (c *Codec) finishSend() {
	c.hw.WaitForActiveTransmission()
	c.hw.DeactivateTxInterrupt()
	c.hw.RxRS485Enable()
	c.txLen = 0
	c.toWaitSyn()
}

// TransmitSD1 encodes and schedules an SD1 frame. Must be called
// synchronously from within FrameHandler.OnFrame.
func (c *Codec) TransmitSD1(dest, fc byte) []byte {
	return c.schedule(EncodeSD1(dest, c.stationAddr, fc))
}

// TransmitSD2 encodes and schedules an SD2 frame.
func (c *Codec) TransmitSD2(dest, fc byte, sap *SAP, pdu []byte) ([]byte, error) {
	frame, err := EncodeSD2(dest, c.stationAddr, fc, sap, pdu)
	if err != nil {
		return nil, err
	}
	return c.schedule(frame), nil
}

// TransmitSD3 encodes and schedules an SD3 frame.
func (c *Codec) TransmitSD3(dest, fc byte, sap *SAP, pdu [8]byte) []byte {
	return c.schedule(EncodeSD3(dest, c.stationAddr, fc, sap, pdu))
}

// TransmitSD4 encodes and schedules an SD4 frame (token), with this
// station as source.
func (c *Codec) TransmitSD4(dest byte) []byte {
	return c.schedule(EncodeSD4(dest, c.stationAddr))
}

// TransmitSC schedules the one-byte short acknowledge.
func (c *Codec) TransmitSC() []byte {
	return c.schedule(EncodeSC())
}

// Replay re-schedules a previously built frame byte-for-byte, without
// re-encoding it. Used by the FDL to satisfy the FCB duplicate-request
// rule: "re-transmit the last response verbatim" (§4.4, §8 property 5).
func (c *Codec) Replay(frame []byte) {
	c.schedule(frame)
}
