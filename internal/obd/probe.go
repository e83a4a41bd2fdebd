package obd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// BluetoothProber checks the dongle with the BlueZ command line tools:
// l2ping for reachability and hcitool for the RSSI.
type BluetoothProber struct {
	// UseSudo prefixes every tool with sudo; l2ping needs raw sockets.
	UseSudo bool
	// L2Ping and HCITool override the tool paths.
	L2Ping  string
	HCITool string
}

// NewBluetoothProber creates a prober with the default tool names.
func NewBluetoothProber(useSudo bool) *BluetoothProber {
	return &BluetoothProber{
		UseSudo: useSudo,
		L2Ping:  "l2ping",
		HCITool: "hcitool",
	}
}

// Probe sends a single one-byte flood ping to peer.
func (p *BluetoothProber) Probe(ctx context.Context, peer string) error {
	out, err := p.run(ctx, p.L2Ping, "-c", "1", "-s", "1", "-f", peer)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrOutOfRange
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &UnreachableError{Peer: peer, Reason: strings.TrimSpace(out)}
	}
	return fmt.Errorf("obd: probe %s: %w", peer, err)
}

// SignalStrength asks hcitool for the RSSI of an existing link to peer.
func (p *BluetoothProber) SignalStrength(ctx context.Context, peer string) (int, error) {
	out, err := p.run(ctx, p.HCITool, "rssi", peer)
	if err != nil {
		return 0, fmt.Errorf("obd: rssi %s: %w", peer, err)
	}
	return ParseRSSI(out)
}

func (p *BluetoothProber) run(ctx context.Context, tool string, args ...string) (string, error) {
	name := tool
	if p.UseSudo {
		args = append([]string{tool}, args...)
		name = "sudo"
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		log.Printf("[obd] %s %s failed: %v", name, strings.Join(args, " "), err)
	}
	return buf.String(), err
}

var rssiRe = regexp.MustCompile(`RSSI return value:\s*(-?\d+)`)

// ParseRSSI extracts the value from hcitool's "RSSI return value: -5" line.
func ParseRSSI(out string) (int, error) {
	m := rssiRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("obd: no rssi in %q", strings.TrimSpace(out))
	}
	return strconv.Atoi(m[1])
}
