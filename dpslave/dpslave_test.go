package dpslave

import (
	"testing"

	"github.com/joao404/profibus-dp-slave/codec"
	"github.com/joao404/profibus-dp-slave/hwbus"
	"github.com/joao404/profibus-dp-slave/internal/testhw"
	"github.com/joao404/profibus-dp-slave/pbuslog"
)

const (
	testReqFlag byte = 0x40
	testFcbBit  byte = 0x20
	testFcvBit  byte = 0x10
	srdHigh     byte = 0x0D
)

// fcbSeq reproduces the master-side half of the FCB/FCV toggle so tests
// can drive a realistic multi-request session without hand-computing the
// bit pattern for every frame.
type fcbSeq struct {
	started bool
	fcb     bool
}

func (s *fcbSeq) next(primitive byte) byte {
	if !s.started {
		s.started = true
		s.fcb = true
		return testReqFlag | testFcbBit | primitive
	}
	s.fcb = !s.fcb
	fc := testReqFlag | testFcvBit | primitive
	if s.fcb {
		fc |= testFcbBit
	}
	return fc
}

type fakeApp struct {
	outputs           [][]byte
	inputs            []byte
	updateInputsCalls int
}

func (a *fakeApp) UpdateOutputs(output []byte) {
	a.outputs = append(a.outputs, append([]byte(nil), output...))
}
func (a *fakeApp) UpdateInputs(input []byte) {
	a.updateInputsCalls++
	copy(input, a.inputs)
}

const (
	testSlaveAddr  byte = 0x0B
	testMasterAddr byte = 0x02
	testIdentHigh  byte = 0x00
	testIdentLow   byte = 0x2B
)

var testModuleConfig = []byte{0x22, 0x20, 0x20, 0x10, 0x10}

func newTestSlave(t *testing.T) (*DpSlave, *testhw.Fake, *fakeApp) {
	t.Helper()
	hw := testhw.New(500000)
	app := &fakeApp{inputs: []byte{0xAA, 0xBB}}
	d, err := New(Config{
		StationAddress:  testSlaveAddr,
		BaudRate:        500000,
		IdentHigh:       testIdentHigh,
		IdentLow:        testIdentLow,
		ModuleConfig:    append([]byte(nil), testModuleConfig...),
		InputSize:       2,
		OutputSize:      5,
		ReceiveHandling: hwbus.Interrupt,
		HwBus:           hw,
		Application:     app,
		Log:             pbuslog.New("test: "),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	return d, hw, app
}

// sendAndCapture drives a single request frame through the full
// interrupt-style receive/respond cycle and returns whatever bytes the
// slave put on the wire, or nil if no response was scheduled (e.g.
// GLOBAL_CONTROL, which never replies).
func sendAndCapture(d *DpSlave, hw *testhw.Fake, frame []byte) []byte {
	hw.TxBytes = nil
	d.OnTimerExpiry() // WaitSyn -> WaitData
	for _, b := range frame {
		hw.Feed(b)
		d.OnRxByte()
	}
	d.OnTimerExpiry() // GetData -> dispatch
	if d.codec.State() != codec.WaitMinTsdr {
		return nil
	}
	d.OnTimerExpiry() // WaitMinTsdr -> SendData
	for d.codec.State() == codec.SendData {
		before := len(hw.TxBytes)
		d.OnTxDone()
		if len(hw.TxBytes) == before {
			break
		}
	}
	return hw.TxBytes
}

// bringToDXCHG drives a fresh slave through SLAVE_DIAGNOSTIC, SET_PRM and
// a matching CHK_CFG, leaving it in DXCHG ready for cyclic exchange. It
// returns the shared FCB sequence so the caller can continue the same
// master session.
func bringToDXCHG(t *testing.T, d *DpSlave, hw *testhw.Fake) *fcbSeq {
	t.Helper()
	seq := &fcbSeq{}

	diagReq, err := codec.EncodeSD2(testSlaveAddr, testMasterAddr, seq.next(srdHigh),
		&codec.SAP{DSAP: sapSlaveDiagnostic, SSAP: 62}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sendAndCapture(d, hw, diagReq)
	if d.State() != WPRM {
		t.Fatalf("state after first SLAVE_DIAGNOSTIC = %v, want WPRM", d.State())
	}

	setPrmPDU := []byte{ActivateWatchdog, 2, 1, 20, testIdentHigh, testIdentLow, 0x01}
	setPrmReq, err := codec.EncodeSD2(testSlaveAddr, testMasterAddr, seq.next(srdHigh),
		&codec.SAP{DSAP: sapSetPrm, SSAP: 62}, setPrmPDU)
	if err != nil {
		t.Fatal(err)
	}
	resp := sendAndCapture(d, hw, setPrmReq)
	if string(resp) != string(codec.EncodeSC()) {
		t.Fatalf("SET_PRM response = % x, want SC", resp)
	}
	if d.State() != WCFG {
		t.Fatalf("state after SET_PRM = %v, want WCFG", d.State())
	}

	chkCfgReq, err := codec.EncodeSD2(testSlaveAddr, testMasterAddr, seq.next(srdHigh),
		&codec.SAP{DSAP: sapChkCfg, SSAP: 62}, testModuleConfig)
	if err != nil {
		t.Fatal(err)
	}
	resp = sendAndCapture(d, hw, chkCfgReq)
	if string(resp) != string(codec.EncodeSC()) {
		t.Fatalf("CHK_CFG response = % x, want SC", resp)
	}
	if d.State() != DXCHG {
		t.Fatalf("state after matching CHK_CFG = %v, want DXCHG", d.State())
	}
	return seq
}

func TestSlaveDiagnosticBeforeParametrization(t *testing.T) {
	d, hw, _ := newTestSlave(t)
	req, err := codec.EncodeSD2(testSlaveAddr, testMasterAddr, testReqFlag|testFcbBit|srdHigh,
		&codec.SAP{DSAP: sapSlaveDiagnostic, SSAP: 62}, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp := sendAndCapture(d, hw, req)

	wantHeader := []byte{status1StationNotReady, status2PrmReq | status2Default, 0x00, 0xFF, testIdentHigh, testIdentLow}
	want, err := codec.EncodeSD2(testMasterAddr, testSlaveAddr, fcDataLow,
		&codec.SAP{DSAP: 62, SSAP: sapSlaveDiagnostic}, wantHeader)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != string(want) {
		t.Errorf("SLAVE_DIAGNOSTIC response = % x, want % x", resp, want)
	}
	if d.State() != WPRM {
		t.Errorf("state = %v, want WPRM", d.State())
	}
}

func TestChkCfgMismatchStaysInWCFG(t *testing.T) {
	d, hw, _ := newTestSlave(t)
	seq := &fcbSeq{}

	diagReq, _ := codec.EncodeSD2(testSlaveAddr, testMasterAddr, seq.next(srdHigh),
		&codec.SAP{DSAP: sapSlaveDiagnostic, SSAP: 62}, nil)
	sendAndCapture(d, hw, diagReq)

	setPrmPDU := []byte{0, 0, 0, 20, testIdentHigh, testIdentLow, 0x01}
	setPrmReq, _ := codec.EncodeSD2(testSlaveAddr, testMasterAddr, seq.next(srdHigh),
		&codec.SAP{DSAP: sapSetPrm, SSAP: 62}, setPrmPDU)
	sendAndCapture(d, hw, setPrmReq)

	wrongCfg := []byte{0x00, 0x00, 0x00, 0x00, 0x00}
	chkCfgReq, _ := codec.EncodeSD2(testSlaveAddr, testMasterAddr, seq.next(srdHigh),
		&codec.SAP{DSAP: sapChkCfg, SSAP: 62}, wrongCfg)
	resp := sendAndCapture(d, hw, chkCfgReq)

	if string(resp) != string(codec.EncodeSC()) {
		t.Fatalf("CHK_CFG still answers SC even on mismatch, got % x", resp)
	}
	if d.State() != WCFG {
		t.Fatalf("state after a mismatching CHK_CFG = %v, want WCFG (stays, does not advance)", d.State())
	}
	if !d.cfgFault {
		t.Errorf("cfgFault not set after a mismatching CHK_CFG")
	}

	// A later matching CHK_CFG clears the fault and advances.
	matchReq, _ := codec.EncodeSD2(testSlaveAddr, testMasterAddr, seq.next(srdHigh),
		&codec.SAP{DSAP: sapChkCfg, SSAP: 62}, testModuleConfig)
	sendAndCapture(d, hw, matchReq)
	if d.State() != DXCHG {
		t.Fatalf("state after a later matching CHK_CFG = %v, want DXCHG", d.State())
	}
	if d.cfgFault {
		t.Errorf("cfgFault still set after a matching CHK_CFG")
	}
}

func TestCyclicExchangeRoundTrip(t *testing.T) {
	d, hw, app := newTestSlave(t)
	seq := bringToDXCHG(t, d, hw)

	outputPDU := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	cyclicReq, err := codec.EncodeSD2(testSlaveAddr, testMasterAddr, seq.next(srdHigh), nil, outputPDU)
	if err != nil {
		t.Fatal(err)
	}
	resp := sendAndCapture(d, hw, cyclicReq)

	want, err := codec.EncodeSD2(testMasterAddr, testSlaveAddr, fcDataLow, nil, app.inputs)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != string(want) {
		t.Errorf("cyclic exchange response = % x, want % x", resp, want)
	}
	if len(app.outputs) == 0 || string(app.outputs[len(app.outputs)-1]) != string(outputPDU) {
		t.Errorf("Application.UpdateOutputs not called with % x", outputPDU)
	}
}

// §8 property 5: a bit-identical repeat of the last cyclic request must
// be answered by replaying the stored response verbatim, without
// re-invoking the Application.
func TestDuplicateCyclicRequestReplaysWithoutReprocessing(t *testing.T) {
	d, hw, app := newTestSlave(t)
	seq := bringToDXCHG(t, d, hw)

	outputPDU := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	fc := seq.next(srdHigh)
	cyclicReq, err := codec.EncodeSD2(testSlaveAddr, testMasterAddr, fc, nil, outputPDU)
	if err != nil {
		t.Fatal(err)
	}
	first := sendAndCapture(d, hw, cyclicReq)
	callsAfterFirst := app.updateInputsCalls

	// Identical frame, identical FCB: a duplicate, not a toggle.
	second := sendAndCapture(d, hw, cyclicReq)

	if string(first) != string(second) {
		t.Errorf("duplicate request got a different response: % x vs % x", first, second)
	}
	if app.updateInputsCalls != callsAfterFirst {
		t.Errorf("UpdateInputs called again on a duplicate request: %d vs %d", app.updateInputsCalls, callsAfterFirst)
	}
}

func TestWatchdogTripZeroesOutputs(t *testing.T) {
	d, hw, app := newTestSlave(t)
	seq := bringToDXCHG(t, d, hw)

	outputPDU := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	cyclicReq, err := codec.EncodeSD2(testSlaveAddr, testMasterAddr, seq.next(srdHigh), nil, outputPDU)
	if err != nil {
		t.Fatal(err)
	}
	sendAndCapture(d, hw, cyclicReq)

	if !d.watchdogActive {
		t.Fatalf("watchdog not active after SET_PRM requested it")
	}
	if d.watchdogTimeMs != 20 {
		t.Fatalf("watchdogTimeMs = %d, want 20 (wd1=2, wd2=1, *10)", d.watchdogTimeMs)
	}

	hw.Advance(25)
	d.WatchdogTick()

	if !d.watchdogTripped {
		t.Fatalf("watchdog did not trip after exceeding its time window")
	}
	last := app.outputs[len(app.outputs)-1]
	for i, b := range last {
		if b != 0 {
			t.Errorf("output byte %d = %#x after watchdog trip, want 0", i, b)
		}
	}
}

func TestSetSlaveAddrLocksAfterNoChangeFlag(t *testing.T) {
	d, hw, _ := newTestSlave(t)
	seq := &fcbSeq{}
	diagReq, _ := codec.EncodeSD2(testSlaveAddr, testMasterAddr, seq.next(srdHigh),
		&codec.SAP{DSAP: sapSlaveDiagnostic, SSAP: 62}, nil)
	sendAndCapture(d, hw, diagReq) // POR -> WPRM, accepts SET_SLAVE_ADR afterwards

	newAddr := byte(0x10)
	pdu := []byte{newAddr, testIdentHigh, testIdentLow, 0x01} // no_change_flag bit set
	req, _ := codec.EncodeSD2(testSlaveAddr, testMasterAddr, seq.next(srdHigh),
		&codec.SAP{DSAP: sapSetSlaveAddr, SSAP: 62}, pdu)
	resp := sendAndCapture(d, hw, req)
	if string(resp) != string(codec.EncodeSC()) {
		t.Fatalf("SET_SLAVE_ADR response = % x, want SC", resp)
	}
	if d.StationAddress() != newAddr {
		t.Fatalf("StationAddress = %#x, want %#x", d.StationAddress(), newAddr)
	}
	if !d.addrLocked {
		t.Fatalf("addrLocked not set after no_change_flag bit 0x01")
	}

	// A further SET_SLAVE_ADR must now be ignored: send to the new
	// address so it would otherwise be accepted, and verify it has no
	// effect.
	again := []byte{0x20, testIdentHigh, testIdentLow, 0x00}
	req2, _ := codec.EncodeSD2(newAddr, testMasterAddr, seq.next(srdHigh),
		&codec.SAP{DSAP: sapSetSlaveAddr, SSAP: 62}, again)
	sendAndCapture(d, hw, req2)
	if d.StationAddress() != newAddr {
		t.Errorf("StationAddress changed to %#x after lock, want unchanged %#x", d.StationAddress(), newAddr)
	}
}
