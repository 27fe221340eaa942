package broute

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ECHONET Lite header and service codes.
const (
	EHD1 byte = 0x10
	EHD2 byte = 0x81

	// ESVGet is the property read request service.
	ESVGet byte = 0x62

	// ESVGetRes is the property read response service.
	ESVGetRes byte = 0x72

	// ESVGetSNA is the "read not possible" response service.
	ESVGetSNA byte = 0x52

	// EPCInstantaneousPower is the smart meter instantaneous power property (W).
	EPCInstantaneousPower byte = 0xE7

	// DefaultTransactionID is the fixed TID used for every request. Requests
	// are strictly sequential, so replies need no correlation.
	DefaultTransactionID uint16 = 0x0001

	// PowerUnit is the unit of EPCInstantaneousPower.
	PowerUnit = "W"
)

// Frame layout offsets (bytes).
const (
	offsetTID  = 2
	offsetSEOJ = 4
	offsetDEOJ = 7
	offsetESV  = 10
	offsetOPC  = 11
	offsetEPC  = 12

	frameHeaderSize = 12
	powerValueSize  = 4

	// minPowerResponseSize is header + EPC + PDC + 4-byte value.
	minPowerResponseSize = frameHeaderSize + 2 + powerValueSize
)

// ERXUDP field positions.
const (
	erxudpFieldCount   = 9
	erxudpFieldDataLen = 7
	erxudpFieldData    = 8
	erxudpFieldSender  = 1
)

// EOJ is a 3-byte ECHONET object identifier (class group, class, instance).
type EOJ [3]byte

// Well-known objects.
var (
	// ObjectController is a controller node (class 0x05FF, instance 1).
	ObjectController = EOJ{0x05, 0xFF, 0x01}

	// ObjectSmartMeter is a low-voltage smart electric energy meter (class 0x0288, instance 1).
	ObjectSmartMeter = EOJ{0x02, 0x88, 0x01}
)

// ParseEOJ parses a 6-digit hex object identifier such as "028801".
func ParseEOJ(s string) (EOJ, error) {
	var e EOJ
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(e) {
		return e, fmt.Errorf("%w: %q", ErrInvalidObject, s)
	}
	copy(e[:], b)
	return e, nil
}

// String returns the object as 6 upper-case hex digits.
func (e EOJ) String() string {
	return strings.ToUpper(hex.EncodeToString(e[:]))
}

// Property is one EPC/EDT pair. PDC is implied by len(EDT).
type Property struct {
	EPC byte
	EDT []byte
}

// Frame is an ECHONET Lite format-1 frame.
type Frame struct {
	TID        uint16
	SEOJ       EOJ
	DEOJ       EOJ
	ESV        byte
	Properties []Property
}

// Encode serialises the frame.
func (f Frame) Encode() []byte {
	size := frameHeaderSize
	for _, p := range f.Properties {
		size += 2 + len(p.EDT)
	}

	b := make([]byte, 0, size)
	b = append(b, EHD1, EHD2)
	b = binary.BigEndian.AppendUint16(b, f.TID)
	b = append(b, f.SEOJ[:]...)
	b = append(b, f.DEOJ[:]...)
	b = append(b, f.ESV, byte(len(f.Properties)))
	for _, p := range f.Properties {
		b = append(b, p.EPC, byte(len(p.EDT)))
		b = append(b, p.EDT...)
	}
	return b
}

// ParseFrame parses a complete frame. Every property's PDC must fit the
// remaining bytes and no bytes may follow the last property.
func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	if len(b) < frameHeaderSize {
		return f, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedFrame, len(b))
	}
	if b[0] != EHD1 || b[1] != EHD2 {
		return f, fmt.Errorf("%w: header %02X%02X", ErrMalformedFrame, b[0], b[1])
	}

	f.TID = binary.BigEndian.Uint16(b[offsetTID:])
	copy(f.SEOJ[:], b[offsetSEOJ:offsetDEOJ])
	copy(f.DEOJ[:], b[offsetDEOJ:offsetESV])
	f.ESV = b[offsetESV]
	opc := int(b[offsetOPC])

	rest := b[frameHeaderSize:]
	f.Properties = make([]Property, 0, opc)
	for i := 0; i < opc; i++ {
		if len(rest) < 2 {
			return f, fmt.Errorf("%w: property %d truncated", ErrMalformedFrame, i)
		}
		epc, pdc := rest[0], int(rest[1])
		rest = rest[2:]
		if len(rest) < pdc {
			return f, fmt.Errorf("%w: property %02X declares %d bytes, %d remain",
				ErrMalformedFrame, epc, pdc, len(rest))
		}
		edt := make([]byte, pdc)
		copy(edt, rest[:pdc])
		f.Properties = append(f.Properties, Property{EPC: epc, EDT: edt})
		rest = rest[pdc:]
	}
	if len(rest) != 0 {
		return f, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(rest))
	}
	return f, nil
}

// EncodeReadRequest builds a read-property request for one EPC.
// For the default objects and EPC 0xE7 the result is
// 10 81 00 01 05 FF 01 02 88 01 62 01 E7 00.
func EncodeReadRequest(seoj, deoj EOJ, epc byte) []byte {
	return Frame{
		TID:        DefaultTransactionID,
		SEOJ:       seoj,
		DEOJ:       deoj,
		ESV:        ESVGet,
		Properties: []Property{{EPC: epc}},
	}.Encode()
}

// PowerReading is a decoded instantaneous power value.
type PowerReading struct {
	// Watts is the signed instantaneous power. Negative values indicate
	// reverse flow on meters that report it.
	Watts int32 `json:"power_watts"`

	// Unit is always "W".
	Unit string `json:"unit"`

	// TransactionID is the TID echoed by the meter.
	TransactionID uint16 `json:"transaction_id"`

	// Sender is the meter's IPv6 address from the notification.
	Sender string `json:"sender,omitempty"`

	// ReceivedAt is when the notification was decoded.
	ReceivedAt time.Time `json:"timestamp"`
}

// Codec encodes requests from a controller object to a meter object and
// decodes the meter's replies.
type Codec struct {
	Controller EOJ
	Meter      EOJ
}

// NewCodec returns a codec for the default controller and smart meter objects.
func NewCodec() Codec {
	return Codec{Controller: ObjectController, Meter: ObjectSmartMeter}
}

// EncodeReadRequest builds a read request for epc addressed to the meter.
func (c Codec) EncodeReadRequest(epc byte) []byte {
	return EncodeReadRequest(c.Controller, c.Meter, epc)
}

// DecodeResponse extracts the instantaneous power from an ERXUDP line.
//
// The frame must come from the meter object, carry service ESVGetRes and
// property EPCInstantaneousPower. A ESVGetSNA reply is rejected even if the
// other fields match.
//
// Returns:
//   - PowerReading: Decoded reading with ReceivedAt set to now
//   - error: ErrNotNotification, ErrMalformedFrame or ErrUnexpectedFrame
func (c Codec) DecodeResponse(raw string) (PowerReading, error) {
	fields := strings.Fields(raw)
	if len(fields) < erxudpFieldCount || fields[0] != "ERXUDP" {
		return PowerReading{}, fmt.Errorf("%w: %q", ErrNotNotification, truncate(raw, 32))
	}

	payloadHex := fields[erxudpFieldData]
	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		return PowerReading{}, fmt.Errorf("%w: payload is not hex: %w", ErrMalformedFrame, err)
	}

	declared, err := strconv.ParseUint(fields[erxudpFieldDataLen], 16, 16)
	if err != nil {
		return PowerReading{}, fmt.Errorf("%w: data length %q", ErrMalformedFrame, fields[erxudpFieldDataLen])
	}
	if int(declared) != len(payload) {
		return PowerReading{}, fmt.Errorf("%w: declared %d bytes, received %d",
			ErrMalformedFrame, declared, len(payload))
	}

	if len(payload) < minPowerResponseSize {
		return PowerReading{}, fmt.Errorf("%w: %d bytes is shorter than %d",
			ErrMalformedFrame, len(payload), minPowerResponseSize)
	}

	var seoj EOJ
	copy(seoj[:], payload[offsetSEOJ:offsetDEOJ])
	if seoj != c.Meter {
		return PowerReading{}, fmt.Errorf("%w: source object %s", ErrUnexpectedFrame, seoj)
	}
	if esv := payload[offsetESV]; esv != ESVGetRes {
		return PowerReading{}, fmt.Errorf("%w: service %02X", ErrUnexpectedFrame, esv)
	}
	if epc := payload[offsetEPC]; epc != EPCInstantaneousPower {
		return PowerReading{}, fmt.Errorf("%w: property %02X", ErrUnexpectedFrame, epc)
	}

	frame, err := ParseFrame(payload)
	if err != nil {
		return PowerReading{}, err
	}
	edt := frame.Properties[0].EDT
	if len(edt) != powerValueSize {
		return PowerReading{}, fmt.Errorf("%w: power value is %d bytes", ErrMalformedFrame, len(edt))
	}

	return PowerReading{
		Watts:         int32(binary.BigEndian.Uint32(edt)),
		Unit:          PowerUnit,
		TransactionID: frame.TID,
		Sender:        fields[erxudpFieldSender],
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

// truncate shortens s for error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
