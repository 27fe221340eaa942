package broute

import (
	"encoding/hex"
	"fmt"
)

// Scan attribute keys reported in an EPANDESC block.
const (
	scanKeyChannel     = "Channel"
	scanKeyChannelPage = "Channel Page"
	scanKeyPanID       = "Pan ID"
	scanKeyAddress     = "Addr"
	scanKeyLQI         = "LQI"
	scanKeyPairID      = "PairID"
)

// ScanResult holds the attributes of the PAN captured during an active scan.
// Values are kept as the hexadecimal text the modem printed.
type ScanResult struct {
	Channel     string `json:"channel"`
	ChannelPage string `json:"channel_page,omitempty"`
	PanID       string `json:"pan_id"`
	Address     string `json:"address"`
	LQI         string `json:"lqi,omitempty"`
	PairID      string `json:"pair_id,omitempty"`
}

// apply records one scan attribute. Unknown keys are ignored.
func (r *ScanResult) apply(key, value string) {
	switch key {
	case scanKeyChannel:
		r.Channel = value
	case scanKeyChannelPage:
		r.ChannelPage = value
	case scanKeyPanID:
		r.PanID = value
	case scanKeyAddress:
		r.Address = value
	case scanKeyLQI:
		r.LQI = value
	case scanKeyPairID:
		r.PairID = value
	}
}

// Found reports whether the scan captured a beacon (a channel was reported).
func (r ScanResult) Found() bool {
	return r.Channel != ""
}

// Validate checks that channel, PAN ID and MAC address are all present and
// are hex strings of 1, 2 and 8 bytes respectively.
func (r ScanResult) Validate() error {
	checks := []struct {
		name  string
		value string
		size  int
	}{
		{scanKeyChannel, r.Channel, 1},
		{scanKeyPanID, r.PanID, 2},
		{scanKeyAddress, r.Address, 8},
	}

	for _, c := range checks {
		if c.value == "" {
			return fmt.Errorf("%w: %s missing", ErrIncompleteScan, c.name)
		}
		b, err := hex.DecodeString(c.value)
		if err != nil || len(b) != c.size {
			return fmt.Errorf("%w: %s %q is not %d hex bytes", ErrIncompleteScan, c.name, c.value, c.size)
		}
	}
	return nil
}

// LinkQuality returns the LQI as an integer, or -1 if absent or invalid.
func (r ScanResult) LinkQuality() int {
	b, err := hex.DecodeString(r.LQI)
	if err != nil || len(b) != 1 {
		return -1
	}
	return int(b[0])
}
