package obd

import (
	"bufio"
	"strconv"
	"strings"
	"time"
)

// InitCommands returns the adapter setup sequence, in the order it must be
// sent after every new connection. Fresh commands are returned on every call.
func InitCommands(timeout time.Duration) []*Command {
	return []*Command{
		// No echo.
		NewCommand("ATE0", timeout),
		// CR only, no CRLF.
		NewCommand("ATL0", timeout),
		// Keep spaces between bytes, easier to read in the log.
		NewCommand("ATS1", timeout),
		// Firmware identity, e.g. "STN1155 v5.6.19".
		NewCommand("STI", timeout),
		// Manufacturer, e.g. "OBD Solutions LLC".
		NewCommand("STMFR", timeout),
		// Headers on, the SOC line is matched by its header.
		NewCommand("ATH1", timeout),
		// ISO 15765-4 CAN (11 bit ID, 500 kbaud).
		NewCommand("ATSP6", timeout),
	}
}

const (
	// DefaultSOCCommand requests the BMS data block.
	DefaultSOCCommand = "2101"
	// DefaultSOCHeader prefixes the response line that carries the SOC byte.
	DefaultSOCHeader = "7EC 24"
)

// SOCDecoder extracts the state of charge from a multi-line response.
type SOCDecoder struct {
	// Header is matched against the start of each line.
	Header string
}

// Decode scans every line of response. Each line that starts with the
// header updates the result: the last two characters are a hex byte holding
// twice the SOC percentage. found is false when no line matched, which is
// what a sleeping car returns.
func (d SOCDecoder) Decode(response string) (soc float64, found bool) {
	header := d.Header
	if header == "" {
		header = DefaultSOCHeader
	}

	sc := bufio.NewScanner(strings.NewReader(response))
	sc.Split(splitLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if len(line) < len(header) || line[:len(header)] != header {
			continue
		}
		if len(line) < len(header)+2 {
			continue
		}
		raw, err := strconv.ParseUint(line[len(line)-2:], 16, 8)
		if err != nil {
			continue
		}
		soc = float64(raw) / 2
		if soc > 100 {
			soc = 100
		}
		found = true
	}
	return soc, found
}

// splitLines splits on CR or LF, since the dongle runs with ATL0 and only
// sends CR.
func splitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\r' || b == '\n' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
