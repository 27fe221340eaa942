package broute

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeReadRequest(t *testing.T) {
	got := EncodeReadRequest(ObjectController, ObjectSmartMeter, EPCInstantaneousPower)
	want := []byte{0x10, 0x81, 0x00, 0x01, 0x05, 0xFF, 0x01, 0x02, 0x88, 0x01, 0x62, 0x01, 0xE7, 0x00}
	assert.Equal(t, want, got)
	assert.Equal(t, want, NewCodec().EncodeReadRequest(EPCInstantaneousPower))
}

func TestParseEOJ(t *testing.T) {
	e, err := ParseEOJ("028801")
	require.NoError(t, err)
	assert.Equal(t, ObjectSmartMeter, e)
	assert.Equal(t, "028801", e.String())

	for _, bad := range []string{"", "0288", "02880101", "ZZ8801"} {
		_, err := ParseEOJ(bad)
		assert.ErrorIs(t, err, ErrInvalidObject, bad)
	}
}

func TestParseFrame(t *testing.T) {
	payload, err := hex.DecodeString(testPowerReply)
	require.NoError(t, err)

	f, err := ParseFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), f.TID)
	assert.Equal(t, ObjectSmartMeter, f.SEOJ)
	assert.Equal(t, ObjectController, f.DEOJ)
	assert.Equal(t, ESVGetRes, f.ESV)
	require.Len(t, f.Properties, 1)
	assert.Equal(t, EPCInstantaneousPower, f.Properties[0].EPC)
	assert.Equal(t, []byte{0, 0, 0, 0x64}, f.Properties[0].EDT)
	assert.Equal(t, payload, f.Encode())
}

func TestParseFrameRejectsInconsistentLengths(t *testing.T) {
	tests := []struct {
		name string
		hex  string
	}{
		{"short header", "1081000102880105FF"},
		{"bad EHD", "1082000102880105FF017201E70400000064"},
		{"PDC overruns", "1081000102880105FF017201E7050000006400"[:36]},
		{"trailing bytes", "1081000102880105FF017201E7040000006400"},
		{"OPC counts missing property", "1081000102880105FF017202E70400000064"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := hex.DecodeString(tt.hex)
			require.NoError(t, err)
			_, err = ParseFrame(b)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	codec := NewCodec()

	r, err := codec.DecodeResponse(erxudp(testPowerReply))
	require.NoError(t, err)
	assert.Equal(t, int32(100), r.Watts)
	assert.Equal(t, "W", r.Unit)
	assert.Equal(t, uint16(1), r.TransactionID)
	assert.Equal(t, testMeterIPv6, r.Sender)
	assert.False(t, r.ReceivedAt.IsZero())
}

func TestDecodeResponseNegativePower(t *testing.T) {
	r, err := NewCodec().DecodeResponse(erxudp("1081000102880105FF017201E704FFFFFF9C"))
	require.NoError(t, err)
	assert.Equal(t, int32(-100), r.Watts)
}

func TestDecodeResponseFailures(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{
			name:    "not a notification",
			line:    "EVENT 21 " + testMeterIPv6 + " 00",
			wantErr: ErrNotNotification,
		},
		{
			name:    "too few fields",
			line:    "ERXUDP " + testMeterIPv6,
			wantErr: ErrNotNotification,
		},
		{
			name:    "payload shorter than a power response",
			line:    erxudp("1081000102880105FF017201E7020064"),
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "payload not hex",
			line:    strings.Replace(erxudp(testPowerReply), testPowerReply, "10810001ZZ", 1),
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "declared length disagrees",
			line:    strings.Replace(erxudp(testPowerReply), " 0012 ", " 0013 ", 1),
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "read not possible service",
			line:    erxudp("1081000102880105FF015201E70400000064"),
			wantErr: ErrUnexpectedFrame,
		},
		{
			name:    "foreign source object",
			line:    erxudp("1081000102790105FF017201E70400000064"),
			wantErr: ErrUnexpectedFrame,
		},
		{
			name:    "different property",
			line:    erxudp("1081000102880105FF017201E80400000064"),
			wantErr: ErrUnexpectedFrame,
		},
		{
			name:    "power value wrong size",
			line:    erxudp("1081000102880105FF017201E7050000000064"),
			wantErr: ErrMalformedFrame,
		},
	}

	codec := NewCodec()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.DecodeResponse(tt.line)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	codec := NewCodec()
	req, err := ParseFrame(codec.EncodeReadRequest(EPCInstantaneousPower))
	require.NoError(t, err)

	for _, watts := range []int32{0, 1, 100, 3456, -250} {
		t.Run(fmt.Sprint(watts), func(t *testing.T) {
			v := uint32(watts)
			reply := Frame{
				TID:  req.TID,
				SEOJ: req.DEOJ,
				DEOJ: req.SEOJ,
				ESV:  ESVGetRes,
				Properties: []Property{{
					EPC: req.Properties[0].EPC,
					EDT: []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)},
				}},
			}
			line := erxudp(strings.ToUpper(hex.EncodeToString(reply.Encode())))

			r, err := codec.DecodeResponse(line)
			require.NoError(t, err)
			assert.Equal(t, watts, r.Watts)
			assert.Equal(t, req.TID, r.TransactionID)
		})
	}
}
