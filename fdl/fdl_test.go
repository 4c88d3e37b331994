package fdl

import (
	"testing"

	"github.com/joao404/profibus-dp-slave/codec"
	"github.com/joao404/profibus-dp-slave/pbuslog"
)

// fakeTransmitter is a hand-written Transmitter double: it records every
// call and returns a caller-supplied canned frame, without touching any
// real wire codec.
type fakeTransmitter struct {
	sd1Calls  int
	replayed  [][]byte
	nextFrame []byte
}

func (f *fakeTransmitter) TransmitSD1(dest, fc byte) []byte {
	f.sd1Calls++
	if f.nextFrame != nil {
		return f.nextFrame
	}
	return []byte{0x10, dest, 0, fc, 0, 0x16}
}
func (f *fakeTransmitter) TransmitSD2(dest, fc byte, sap *codec.SAP, pdu []byte) ([]byte, error) {
	return []byte{0x68}, nil
}
func (f *fakeTransmitter) TransmitSD3(dest, fc byte, sap *codec.SAP, pdu [8]byte) []byte {
	return []byte{0xA2}
}
func (f *fakeTransmitter) TransmitSD4(dest byte) []byte { return []byte{0xDC, dest} }
func (f *fakeTransmitter) TransmitSC() []byte           { return []byte{0xE5} }
func (f *fakeTransmitter) Replay(frame []byte)          { f.replayed = append(f.replayed, frame) }

// fakeServiceHandler records every Service handed up from the FDL.
type fakeServiceHandler struct {
	got []Service
}

func (h *fakeServiceHandler) OnService(svc Service) { h.got = append(h.got, svc) }

func newTestFDL() (*FDL, *fakeTransmitter, *fakeServiceHandler) {
	h := &fakeServiceHandler{}
	f := New(h, pbuslog.New("test: "))
	tx := &fakeTransmitter{}
	f.BindTransmitter(tx)
	return f, tx, h
}

// startRequest builds a request FC with the "start" FCB/FCV signature:
// REQ set, FCB set, FCV clear (§4.4).
func startRequest(primitive byte) byte {
	return fcRequestFlag | fcbBit | primitive
}

func TestFCBStartSignatureAlwaysProcesses(t *testing.T) {
	f, _, h := newTestFDL()
	conn := codec.Connection{Source: 2, Destination: 0x0B, FunctionCode: startRequest(SRDHigh)}
	f.OnFrame(conn)

	if len(h.got) != 1 {
		t.Fatalf("OnService called %d times, want 1", len(h.got))
	}
	if !f.ctx.FcvActivated || !f.ctx.FcbLast {
		t.Errorf("context after start signature = %+v, want FcvActivated=true FcbLast=true", f.ctx)
	}
	if f.ctx.SourceLast != 2 {
		t.Errorf("SourceLast = %d, want 2", f.ctx.SourceLast)
	}
}

func TestFCBToggleProcessesNewRequest(t *testing.T) {
	f, _, h := newTestFDL()
	f.OnFrame(codec.Connection{Source: 2, Destination: 0x0B, FunctionCode: startRequest(SRDHigh)})

	toggled := fcRequestFlag | fcvBit | SRDHigh // FCV set, FCB cleared: toggled from true to false
	f.OnFrame(codec.Connection{Source: 2, Destination: 0x0B, FunctionCode: toggled})

	if len(h.got) != 2 {
		t.Fatalf("OnService called %d times, want 2 (start + toggled)", len(h.got))
	}
	if f.ctx.FcbLast {
		t.Errorf("FcbLast = true after a toggle away from true, want false")
	}
}

// §8 property 5: a bit-identical repeat of the last request (FCB not
// toggled) must be answered with the stored response replayed verbatim,
// without reaching the service handler again.
func TestFCBDuplicateReplaysWithoutReprocessing(t *testing.T) {
	f, tx, h := newTestFDL()
	f.OnFrame(codec.Connection{Source: 2, Destination: 0x0B, FunctionCode: startRequest(SRDHigh)})

	// FCV set, FCB cleared: toggled from the start signature's true.
	toggled := codec.Connection{Source: 2, Destination: 0x0B, FunctionCode: fcRequestFlag | fcvBit | SRDHigh}
	f.OnFrame(toggled)

	canned := []byte{0x10, 0x02, 0x0B, 0x00, 0x0D, 0x16}
	tx.nextFrame = canned
	f.TransmitSD1(2, 0x00) // DP layer "responds" during OnService in real use

	// Same source, same FCB bit (not toggled): a duplicate of the request
	// just processed.
	f.OnFrame(toggled)

	if len(h.got) != 2 {
		t.Fatalf("OnService called %d times after a duplicate, want 2 (start + toggled, no reprocessing)", len(h.got))
	}
	if len(tx.replayed) != 1 {
		t.Fatalf("Replay called %d times, want 1", len(tx.replayed))
	}
	if string(tx.replayed[0]) != string(canned) {
		t.Errorf("replayed % x, want % x", tx.replayed[0], canned)
	}
}

// A request from a different master address aborts the retry sequence
// rather than being treated as a duplicate or a toggle.
func TestFCBDifferentSourceAbortsSequence(t *testing.T) {
	f, _, h := newTestFDL()
	f.OnFrame(codec.Connection{Source: 2, Destination: 0x0B, FunctionCode: startRequest(SRDHigh)})

	// FCV set (not the start signature) from a different master address.
	other := fcRequestFlag | fcvBit | SRDHigh
	f.OnFrame(codec.Connection{Source: 9, Destination: 0x0B, FunctionCode: other})

	if len(h.got) != 2 {
		t.Fatalf("OnService called %d times, want 2 (both are genuine requests)", len(h.got))
	}
	if f.ctx.FcvActivated {
		t.Errorf("FcvActivated = true, want false: a new source's start signature reactivates tracking, not a duplicate")
	}
}

func TestNonRequestFrameIsDropped(t *testing.T) {
	f, _, h := newTestFDL()
	// REQ bit (0x40) clear: this is a response, not a request.
	f.OnFrame(codec.Connection{Source: 2, Destination: 0x0B, FunctionCode: 0x00})
	if len(h.got) != 0 {
		t.Errorf("OnService called for a non-request frame")
	}
}

func TestRequestBeforeAnyStartSignatureIsNotADuplicate(t *testing.T) {
	f, _, h := newTestFDL()
	// FCV clear, FCB clear: not the start signature, and FcvActivated is
	// still false, so this must be treated as a genuine (first) request.
	f.OnFrame(codec.Connection{Source: 2, Destination: 0x0B, FunctionCode: fcRequestFlag | SRDHigh})
	if len(h.got) != 1 {
		t.Fatalf("OnService called %d times, want 1", len(h.got))
	}
}
