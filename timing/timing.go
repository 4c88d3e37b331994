// Package timing derives the PROFIBUS DP bit-time-based deadlines (TSYN,
// TSDR, max transmission time) from a configured baud rate. It holds no
// state; every exported function is a pure function of the baud rate,
// mirroring the way cs104.Config turns a handful of configured knobs into
// concrete timeout values.
package timing

import "time"

// Bit-time counts fixed by the PROFIBUS DP wire protocol (EN 50170 / IEC
// 61158). These never vary with baud rate; only their duration does.
const (
	synBitTimes       = 33 // TSYN: idle time that signals "new telegram may start"
	maxRxBitTimes     = 15 // TSDR_max: receive-complete / slot-time upper bound
	maxTxBitTimes     = 15 // interrupt-loss escape during transmission
	defaultMinTsdr    = 20 // TSDR_min default, in bit-times
	bitsPerCharacter  = 11 // 1 start + 8 data + 1 parity + 1 stop
	microsPerSecond   = 1_000_000
)

// DefaultMinTsdrBitTimes is the default minimum slot-time-delay-response
// used when a deployment does not override it.
const DefaultMinTsdrBitTimes = defaultMinTsdr

// Timing holds the derived deadlines for a fixed baud rate. Construct with
// New; all fields are read-only after that.
type Timing struct {
	baud       uint32
	bitTime    time.Duration
	minTsdrBt  uint32
	tsyn       time.Duration
	tsdrMax    time.Duration
	tsdrMin    time.Duration
	maxTxTime  time.Duration
}

// New derives Timing for the given baud rate (bits/second) and a
// configured TSDR_min in bit-times (use DefaultMinTsdrBitTimes if the
// deployment does not override it). Baud rates of 0 are rejected by the
// caller (see dpslave.Config.Valid); New itself never fails, matching the
// "polymorphic over HwBus, never re-derived mid-run" contract: a single
// Timing is computed once, at construction. minTsdrBitTimes is taken
// as-is (including 0, the legal result of SET_PRM's "max(0, MinTSDR-11)"
// rule) — callers that want the protocol default pass
// DefaultMinTsdrBitTimes explicitly.
func New(baudRate uint32, minTsdrBitTimes uint32) Timing {
	if baudRate == 0 {
		baudRate = 1 // degrade, never divide by zero; caller validates upstream
	}
	bitTime := time.Duration(microsPerSecond/float64(baudRate)*1000) * time.Nanosecond
	return Timing{
		baud:      baudRate,
		bitTime:   bitTime,
		minTsdrBt: minTsdrBitTimes,
		tsyn:      bitTime * synBitTimes,
		tsdrMax:   bitTime * maxRxBitTimes,
		tsdrMin:   bitTime * time.Duration(minTsdrBitTimes),
		maxTxTime: bitTime * maxTxBitTimes,
	}
}

// BaudRate returns the configured line rate in bits/second.
func (t Timing) BaudRate() uint32 { return t.baud }

// BitTime is the duration of a single UART bit at the configured baud rate.
func (t Timing) BitTime() time.Duration { return t.bitTime }

// CharacterTime is the duration of one 11-bit UART character.
func (t Timing) CharacterTime() time.Duration { return t.bitTime * bitsPerCharacter }

// TSYN is the idle-line synchronization gate (33 bit-times).
func (t Timing) TSYN() time.Duration { return t.tsyn }

// TSDRMax is the receive-complete timeout (15 bit-times).
func (t Timing) TSDRMax() time.Duration { return t.tsdrMax }

// TSDRMin is the minimum idle time before a response may be transmitted.
func (t Timing) TSDRMin() time.Duration { return t.tsdrMin }

// MaxTxTime is the interrupt-loss escape hatch during transmission (15
// bit-times).
func (t Timing) MaxTxTime() time.Duration { return t.maxTxTime }
