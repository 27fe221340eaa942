package broute

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// timeoutMarker queued in place of a line makes ReadLine report a timeout.
const timeoutMarker = "\x00timeout"

const (
	testMeterMAC  = "001C6400030C12A4"
	testMeterIPv6 = "FE80:0000:0000:0000:021C:6400:030C:12A4"
	testOwnIPv6   = "FE80:0000:0000:0000:021D:1290:1234:5678"
	testChannel   = "39"
	testPanID     = "8888"

	// 10 81 | 00 01 | 02 88 01 | 05 FF 01 | 72 | 01 | E7 04 00 00 00 64
	testPowerReply = "1081000102880105FF017201E70400000064"
)

// erxudp wraps an ECHONET Lite payload in an ERXUDP notification line.
func erxudp(payloadHex string) string {
	return fmt.Sprintf("ERXUDP %s %s 0E1A 0E1A %s 1 %04X %s",
		testMeterIPv6, testOwnIPv6, testMeterMAC, len(payloadHex)/2, payloadHex)
}

// beaconLines is the EPANDESC block of a meter beacon.
func beaconLines() []string {
	return []string{
		"EVENT 20 " + testMeterIPv6,
		"EPANDESC",
		"  Channel:" + testChannel,
		"  Channel Page:09",
		"  Pan ID:" + testPanID,
		"  Addr:" + testMeterMAC,
		"  LQI:E1",
		"  PairID:00AA1234",
	}
}

// fakeModem is a scripted LineTransport. Every write is echoed and then the
// respond hook may queue reply lines. An empty queue reads as a timeout.
type fakeModem struct {
	mu      sync.Mutex
	queue   []string
	writes  []string
	closed  bool
	respond func(cmd string) []string
}

func newFakeModem(respond func(cmd string) []string) *fakeModem {
	return &fakeModem{respond: respond}
}

func (m *fakeModem) Write(_ context.Context, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrTransportClosed
	}

	cmd := printablePrefix(string(p))
	m.writes = append(m.writes, string(p))
	m.queue = append(m.queue, cmd)
	if m.respond != nil {
		m.queue = append(m.queue, m.respond(cmd)...)
	}
	return nil
}

func (m *fakeModem) ReadLine(ctx context.Context, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrTransportClosed
	}
	if len(m.queue) == 0 {
		return "", ErrReadTimeout
	}
	line := m.queue[0]
	m.queue = m.queue[1:]
	if line == timeoutMarker {
		return "", ErrReadTimeout
	}
	return line, nil
}

func (m *fakeModem) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// push queues unsolicited lines.
func (m *fakeModem) push(lines ...string) {
	m.mu.Lock()
	m.queue = append(m.queue, lines...)
	m.mu.Unlock()
}

// commands returns every write with its terminator and binary data removed.
func (m *fakeModem) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.writes))
	for i, w := range m.writes {
		out[i] = printablePrefix(w)
	}
	return out
}

// countPrefix returns how many commands start with prefix.
func (m *fakeModem) countPrefix(prefix string) int {
	n := 0
	for _, c := range m.commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// printablePrefix cuts s at the first control or non-ASCII byte.
func printablePrefix(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			return s[:i]
		}
	}
	return s
}

// meterScript describes how the simulated modem and meter behave.
type meterScript struct {
	// beaconAt is the first scan duration that sees the meter; 0 never.
	beaconAt int

	// beacon overrides the EPANDESC block.
	beacon []string

	sregFail    bool
	ll64Reply   string
	panaFails   bool
	joinSilent  bool
	joinEarly   bool
	reply       func(n int) []string
	sendtoCount int
}

// respond implements the modem command set for s.
func (s *meterScript) respond(cmd string) []string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "SKVER":
		return []string{"EVER 1.2.10", "OK"}

	case "SKSETPWD", "SKSETRBID":
		return []string{"OK"}

	case "SKSCAN":
		var d int
		fmt.Sscanf(fields[3], "%X", &d)
		lines := []string{"OK"}
		if s.beaconAt != 0 && d >= s.beaconAt {
			if s.beacon != nil {
				lines = append(lines, s.beacon...)
			} else {
				lines = append(lines, beaconLines()...)
			}
		}
		return append(lines, "EVENT 22 "+testOwnIPv6)

	case "SKSREG":
		if s.sregFail {
			return []string{"FAIL ER06"}
		}
		return []string{"OK"}

	case "SKLL64":
		if s.ll64Reply != "" {
			return []string{s.ll64Reply}
		}
		return []string{testMeterIPv6}

	case "SKJOIN":
		if s.joinSilent {
			return []string{"OK"}
		}
		if s.joinEarly {
			return []string{"EVENT 25 " + testMeterIPv6, "OK"}
		}
		lines := []string{"OK", "EVENT 21 " + testMeterIPv6 + " 00"}
		if s.panaFails {
			return append(lines, "EVENT 24 "+testMeterIPv6, "EVENT 25 "+testMeterIPv6)
		}
		return append(lines,
			"EVENT 25 "+testMeterIPv6,
			erxudp("1081000102880105FF017301D50401028801"))

	case "SKSENDTO":
		s.sendtoCount++
		if s.reply != nil {
			return s.reply(s.sendtoCount)
		}
		return []string{"EVENT 21 " + testMeterIPv6 + " 00", "OK", erxudp(testPowerReply)}
	}

	return []string{"FAIL ER04"}
}
