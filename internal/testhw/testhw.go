// Package testhw is an in-memory hwbus.HwBus double used by the codec,
// fdl and dpslave unit tests. It is not a mocking-library generated
// fake — the pack is consistently stdlib-testing-only (no
// testify/gomock anywhere in it) — it is a small hand-written double in
// the same spirit as the fakes the rest of the retrieval pack favors.
// All timing is driven manually by the test (RunTimer/StopTimer only
// record; the test calls the Codec's OnTimerExpiry itself), which makes
// the interrupt-driven stream state machine deterministic to assert on.
package testhw

import "time"

// Fake is a deterministic, single-threaded hwbus.HwBus double.
type Fake struct {
	Baud uint32

	rx []byte

	TxBytes []byte // everything written via SetUARTValue, in order

	RxInterruptActive bool
	TxInterruptActive bool
	TxRS485Active     bool
	RxRS485Active     bool

	LastTimerDuration time.Duration
	TimerRunning      bool

	DeferredScheduled int

	millis uint32
}

// New returns a Fake at the given baud rate.
func New(baud uint32) *Fake { return &Fake{Baud: baud} }

// Feed appends bytes to the simulated RX queue. The test must still
// drive OnRxByte on the Codec/DpSlave for each byte, the way a real
// interrupt would.
func (f *Fake) Feed(b ...byte) { f.rx = append(f.rx, b...) }

// SetMillis pins the wall clock.
func (f *Fake) SetMillis(ms uint32) { f.millis = ms }

// Advance moves the wall clock forward.
func (f *Fake) Advance(ms uint32) { f.millis += ms }

func (f *Fake) ConfigUART(baudRate uint32) error { f.Baud = baudRate; return nil }
func (f *Fake) ConfigTimer() error               { return nil }

func (f *Fake) RunTimer(d time.Duration) {
	f.LastTimerDuration = d
	f.TimerRunning = true
}

func (f *Fake) StopTimer() { f.TimerRunning = false }

func (f *Fake) GetUARTValue() (byte, bool) {
	if len(f.rx) == 0 {
		return 0, false
	}
	b := f.rx[0]
	f.rx = f.rx[1:]
	return b, true
}

func (f *Fake) SetUARTValue(b byte) { f.TxBytes = append(f.TxBytes, b) }

func (f *Fake) IsRxReceived() bool { return len(f.rx) > 0 }
func (f *Fake) IsTxDone() bool     { return true }

func (f *Fake) ActivateRxInterrupt()   { f.RxInterruptActive = true }
func (f *Fake) DeactivateRxInterrupt() { f.RxInterruptActive = false }
func (f *Fake) ActivateTxInterrupt()   { f.TxInterruptActive = true }
func (f *Fake) DeactivateTxInterrupt() { f.TxInterruptActive = false }

func (f *Fake) ConfigRS485Pin() error { return nil }
func (f *Fake) TxRS485Enable()        { f.TxRS485Active = true; f.RxRS485Active = false }
func (f *Fake) RxRS485Enable()        { f.RxRS485Active = true; f.TxRS485Active = false }

func (f *Fake) WaitForActiveTransmission() {}

func (f *Fake) SendUARTData(data []byte) error {
	f.TxBytes = append(f.TxBytes, data...)
	return nil
}

func (f *Fake) ReceiveUARTData(buf []byte) (int, error) {
	n := copy(buf, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *Fake) GetBaudrate() uint32 { return f.Baud }

func (f *Fake) ScheduleReceiveHandling() { f.DeferredScheduled++ }

func (f *Fake) Millis() uint32 { return f.millis }
