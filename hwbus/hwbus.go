// Package hwbus defines the capability contract the PROFIBUS DP core is
// polymorphic over: UART byte access, timer arming, RS-485 direction
// control and a monotonic clock. It is an interface only — no concrete
// driver lives here. Concrete collaborators (e.g. linuxhw) implement it;
// the codec/fdl/dpslave packages only ever see the interface, following
// the same "one-way capability interface" pattern the teacher uses for
// asdu.Connect: a single instance is selected at construction and never
// replaced, so a concrete target can implement it with static dispatch.
package hwbus

import "time"

// RxHandling names the two receive strategies of the §6 configuration
// surface: byte-at-a-time or bulk/DMA. The Codec in this module always
// receives byte-at-a-time and does not read this setting.
type RxHandling int

// TxHandling names the symmetrical transmit strategies. The Codec always
// transmits byte-at-a-time and does not read this setting.
type TxHandling int

// ReceiveHandling selects whether a completed frame is decoded on the
// interrupt context or deferred to scheduled work.
type ReceiveHandling int

const (
	// SingleByte drives the UART one byte at a time via GetUARTValue /
	// SetUARTValue. This is the default and the only strategy every HwBus
	// must support.
	SingleByte RxHandling = iota
	// Bulk uses ReceiveUARTData / SendUARTData where the HwBus exposes a
	// DMA-backed bulk transfer.
	Bulk
)

const (
	// TxSingleByte mirrors SingleByte for the transmit path.
	TxSingleByte TxHandling = iota
	// TxBulk mirrors Bulk for the transmit path.
	TxBulk
)

const (
	// Interrupt decodes a completed frame synchronously, in the context
	// that detected TSDR expiry.
	Interrupt ReceiveHandling = iota
	// Deferred posts the decode as scheduled work via
	// ScheduleReceiveHandling and returns immediately.
	Deferred
)

// HwBus is the capability set a PROFIBUS DP core requires of its
// environment. Every method is expected to be non-blocking except where
// documented, and infallible: hardware-level UART errors silently drop the
// affected byte rather than propagating an error value, because the wire
// protocol is self-synchronizing and recovers via checksum/length
// rejection (see §7 of the specification).
type HwBus interface {
	// ConfigUART configures the line for the given baud rate, 8 data
	// bits, even parity, one stop bit. Called once, at start-up.
	ConfigUART(baudRate uint32) error

	// ConfigTimer prepares the one-shot timer used for TSYN/TSDR/TX
	// deadlines. Called once, at start-up.
	ConfigTimer() error
	// RunTimer arms a one-shot timer that fires the core's timer-expiry
	// handler (Codec.OnTimerExpiry) exactly once after d elapses. Re-arming before expiry cancels the previous
	// arming.
	RunTimer(d time.Duration)
	// StopTimer cancels a pending timer arming, if any.
	StopTimer()

	// GetUARTValue returns the next received byte and true, or (0, false)
	// if none is ready. Never blocks.
	GetUARTValue() (byte, bool)
	// SetUARTValue writes the next byte to transmit. Never blocks.
	SetUARTValue(b byte)

	// IsRxReceived and IsTxDone discriminate the interrupt source when
	// the environment delivers a combined UART interrupt.
	IsRxReceived() bool
	IsTxDone() bool

	// ActivateRxInterrupt / DeactivateRxInterrupt / ActivateTxInterrupt /
	// DeactivateTxInterrupt mask and unmask the corresponding UART
	// interrupt sources.
	ActivateRxInterrupt()
	DeactivateRxInterrupt()
	ActivateTxInterrupt()
	DeactivateTxInterrupt()

	// ConfigRS485Pin prepares the direction-control GPIO(s), if any.
	// Called once, at start-up.
	ConfigRS485Pin() error
	// TxRS485Enable drives the transceiver into transmit (DE=1, RE=1).
	TxRS485Enable()
	// RxRS485Enable drives the transceiver into receive (DE=0, RE=0).
	RxRS485Enable()

	// WaitForActiveTransmission blocks, at most one UART character time,
	// until any in-flight TX byte has drained the shift register. May be
	// a busy-wait.
	WaitForActiveTransmission()

	// SendUARTData and ReceiveUARTData are the optional bulk/DMA variant.
	// The Codec never calls them; it always uses GetUARTValue and
	// SetUARTValue.
	SendUARTData(data []byte) error
	ReceiveUARTData(buf []byte) (n int, err error)

	// GetBaudrate returns the configured, stable baud rate.
	GetBaudrate() uint32

	// ScheduleReceiveHandling posts deferred frame-decode work. Only
	// called when the Codec is configured with Deferred receive handling.
	ScheduleReceiveHandling()

	// Millis returns a free-running monotonic millisecond counter.
	// Wraparound is tolerated: all comparisons against it use unsigned
	// subtraction.
	Millis() uint32
}
