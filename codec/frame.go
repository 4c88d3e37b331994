package codec

import "fmt"

// Start/end delimiters and fixed byte values of the five PROFIBUS DP wire
// formats (§4.3). These never change with configuration.
const (
	sd1          byte = 0x10
	sd2Start     byte = 0x68
	sd3          byte = 0xA2
	sd4          byte = 0xDC
	scByte       byte = 0xE5
	endDelimiter byte = 0x16

	sapPresentFlag byte = 0x80
)

// BroadcastAddr and UnconfiguredAddr are the two reserved station
// addresses (§3 data model).
const (
	BroadcastAddr    byte = 127
	UnconfiguredAddr byte = 126
)

// MaxPDULen is the largest application payload an SD2 frame can carry
// (255 total frame bytes - 6 header/trailer bytes - 3 DA/SA/FC bytes).
const MaxPDULen = 246

// SAP is a decoded/encoded (DSAP, SSAP) pair. A nil *SAP means the frame
// is addressed NIL-SAP (no service access point, a plain data-exchange or
// status request addressed to the station itself).
type SAP struct {
	DSAP byte
	SSAP byte
}

// Connection is the ephemeral record the Codec hands to the FDL on a
// well-formed, correctly addressed, correctly checksummed frame. Its
// lifetime is a single receive-dispatch-respond cycle; it is never stored
// beyond that (§3).
type Connection struct {
	Source       byte
	Destination  byte
	FunctionCode byte
	SAP          *SAP
	PDU          []byte
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

func destinationMatch(da, stationAddr byte) bool {
	addr := da & 0x7F
	return addr == stationAddr || addr == BroadcastAddr
}

func applySAP(conn *Connection, da, sa byte, pdu []byte) {
	if da&sapPresentFlag != 0 && sa&sapPresentFlag != 0 && len(pdu) >= 2 {
		conn.SAP = &SAP{DSAP: pdu[0], SSAP: pdu[1]}
		conn.PDU = pdu[2:]
		return
	}
	conn.PDU = pdu
}

// Decode parses a complete frame buffer (as assembled by the stream state
// machine, or handed in directly by an async-style caller) into a
// Connection. It returns false for every condition enumerated under
// "Checksum policy on RX" in §4.3: bad start delimiter, length mismatch,
// LE/LEr mismatch, bad end delimiter, FCS mismatch, or destination filter
// rejection. None of these are reported as Go errors — a malformed or
// not-for-us frame is a routine, silent event on this wire, never an
// exceptional one.
func Decode(buf []byte, stationAddr byte) (Connection, bool) {
	if len(buf) == 0 {
		return Connection{}, false
	}
	switch buf[0] {
	case sd1:
		return decodeSD1(buf, stationAddr)
	case sd2Start:
		return decodeSD2(buf, stationAddr)
	case sd3:
		return decodeSD3(buf, stationAddr)
	case sd4:
		return decodeSD4(buf, stationAddr)
	default:
		// SC (short acknowledge) carries no address/function and is only
		// ever produced by a slave, never addressed to one; anything else
		// is an unrecognized start delimiter.
		return Connection{}, false
	}
}

func decodeSD1(buf []byte, stationAddr byte) (Connection, bool) {
	if len(buf) != 6 {
		return Connection{}, false
	}
	da, sa, fc, fcs, ed := buf[1], buf[2], buf[3], buf[4], buf[5]
	if ed != endDelimiter {
		return Connection{}, false
	}
	if fcs != checksum(buf[1:4]) {
		return Connection{}, false
	}
	if !destinationMatch(da, stationAddr) {
		return Connection{}, false
	}
	return Connection{Source: sa, Destination: da, FunctionCode: fc}, true
}

func decodeSD2(buf []byte, stationAddr byte) (Connection, bool) {
	if len(buf) < 9 {
		return Connection{}, false
	}
	le, ler, secondStart := buf[1], buf[2], buf[3]
	if le != ler || le < 3 {
		return Connection{}, false
	}
	if secondStart != sd2Start {
		return Connection{}, false
	}
	wantLen := int(le) + 6
	if len(buf) != wantLen {
		return Connection{}, false
	}
	da, sa, fc := buf[4], buf[5], buf[6]
	pduLen := int(le) - 3
	pdu := buf[7 : 7+pduLen]
	fcsIdx := 7 + pduLen
	fcs, ed := buf[fcsIdx], buf[fcsIdx+1]
	if ed != endDelimiter {
		return Connection{}, false
	}
	if fcs != checksum(buf[4:fcsIdx]) {
		return Connection{}, false
	}
	if !destinationMatch(da, stationAddr) {
		return Connection{}, false
	}
	conn := Connection{Source: sa, Destination: da, FunctionCode: fc}
	applySAP(&conn, da, sa, pdu)
	return conn, true
}

func decodeSD3(buf []byte, stationAddr byte) (Connection, bool) {
	if len(buf) != 14 {
		return Connection{}, false
	}
	da, sa, fc := buf[1], buf[2], buf[3]
	pdu := buf[4:12]
	fcs, ed := buf[12], buf[13]
	if ed != endDelimiter {
		return Connection{}, false
	}
	if fcs != checksum(buf[1:12]) {
		return Connection{}, false
	}
	if !destinationMatch(da, stationAddr) {
		return Connection{}, false
	}
	conn := Connection{Source: sa, Destination: da, FunctionCode: fc}
	applySAP(&conn, da, sa, pdu)
	return conn, true
}

func decodeSD4(buf []byte, stationAddr byte) (Connection, bool) {
	if len(buf) != 3 {
		return Connection{}, false
	}
	da, sa := buf[1], buf[2]
	if !destinationMatch(da, stationAddr) {
		return Connection{}, false
	}
	return Connection{Source: sa, Destination: da, FunctionCode: 0}, true
}

// EncodeSD1 assembles a 6-byte SD1 frame: 10h DA SA FC FCS 16h.
func EncodeSD1(da, sa, fc byte) []byte {
	b := make([]byte, 6)
	b[0] = sd1
	b[1], b[2], b[3] = da, sa, fc
	b[4] = checksum(b[1:4])
	b[5] = endDelimiter
	return b
}

// EncodeSD2 assembles a variable-length SD2 frame: 68h LE LE 68h DA SA FC
// PDU FCS 16h, with LE = L+3 (and L including the SAP pair, if any). If
// sap is non-nil, DA and SA have their SAP-present bit (0x80) set and
// (DSAP, SSAP) are prepended to pdu inside the LE-counted body, per the
// wire-format resolution in §9 (DSAP/SSAP are part of the PDU and counted
// in LE).
func EncodeSD2(da, sa, fc byte, sap *SAP, pdu []byte) ([]byte, error) {
	body := pdu
	if sap != nil {
		da |= sapPresentFlag
		sa |= sapPresentFlag
		body = make([]byte, 0, len(pdu)+2)
		body = append(body, sap.DSAP, sap.SSAP)
		body = append(body, pdu...)
	}
	le := len(body) + 3
	if le > 255 || le < 3 {
		return nil, fmt.Errorf("codec: SD2 body length %d out of range", len(body))
	}
	b := make([]byte, le+6)
	b[0], b[1], b[2], b[3] = sd2Start, byte(le), byte(le), sd2Start
	b[4], b[5], b[6] = da, sa, fc
	copy(b[7:], body)
	fcsIdx := 7 + len(body)
	b[fcsIdx] = checksum(b[4:fcsIdx])
	b[fcsIdx+1] = endDelimiter
	return b, nil
}

// EncodeSD3 assembles the fixed 14-byte SD3 frame: A2h DA SA FC PDU(8)
// FCS 16h. If sap is non-nil, the first two of the eight PDU bytes carry
// (DSAP, SSAP) and DA/SA have their SAP-present bit set, mirroring SD2.
func EncodeSD3(da, sa, fc byte, sap *SAP, pdu [8]byte) []byte {
	body := pdu
	if sap != nil {
		da |= sapPresentFlag
		sa |= sapPresentFlag
		body[0], body[1] = sap.DSAP, sap.SSAP
	}
	b := make([]byte, 14)
	b[0] = sd3
	b[1], b[2], b[3] = da, sa, fc
	copy(b[4:12], body[:])
	b[12] = checksum(b[1:12])
	b[13] = endDelimiter
	return b
}

// EncodeSD4 assembles the 3-byte token frame: DCh DA SA.
func EncodeSD4(da, sa byte) []byte {
	return []byte{sd4, da, sa}
}

// EncodeSC returns the single-byte short acknowledge: E5h.
func EncodeSC() []byte {
	return []byte{scByte}
}
