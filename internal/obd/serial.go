package obd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// SerialConfig holds configuration for the serial transport.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// SerialOpener opens the rfcomm device bound to the Bluetooth dongle.
type SerialOpener struct {
	portPath string
	baudRate int
}

// NewSerialOpener creates a serial transport. The dongle talks 9600 8N1
// unless configured otherwise.
func NewSerialOpener(cfg SerialConfig) *SerialOpener {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	return &SerialOpener{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
	}
}

func (o *SerialOpener) Name() string { return o.portPath }

// Open opens the port and starts the frame reader.
func (o *SerialOpener) Open(ctx context.Context, ev Events) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: o.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(o.portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", o.portPath, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to reset %s: %w", o.portPath, err)
	}
	log.Printf("[obd] opened %s at %d baud", o.portPath, o.baudRate)

	ch := &serialChannel{port: port}
	go ch.readLoop(ev)
	return ch, nil
}

type serialChannel struct {
	port serial.Port

	mu     sync.Mutex
	closed bool
}

func (c *serialChannel) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *serialChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.port.Close()
}

func (c *serialChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readLoop blocks in Read until the port fails or is closed. A Close from
// our side ends the loop without any event.
func (c *serialChannel) readLoop(ev Events) {
	err := readFrames(c.port, ev.OnFrame)
	if c.isClosed() {
		return
	}
	if err != nil {
		ev.OnError(err)
		return
	}
	ev.OnClose()
}

// readFrames delivers every prompt-delimited frame from r until EOF (nil)
// or a read error.
func readFrames(r io.Reader, onFrame func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Split(SplitFrames)
	for sc.Scan() {
		frame := strings.TrimSpace(sc.Text())
		if frame == "" {
			continue
		}
		onFrame(frame)
	}
	err := sc.Err()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// SplitFrames is a bufio.SplitFunc that cuts the stream at each Prompt. A
// trailing chunk without a prompt is still returned at EOF.
func SplitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, Prompt); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
