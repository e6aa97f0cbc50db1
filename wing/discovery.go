package wing

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"winglink/logging"
)

const (
	// DiscoveryProbe is the datagram consoles answer to.
	DiscoveryProbe = "WING?"

	defaultDiscoveryTimeout = 1500 * time.Millisecond
	defaultDiscoveryPoll    = 50 * time.Millisecond
)

var debugDiscovery = logging.Register("discovery")

type discoverOptions struct {
	addr    string
	timeout time.Duration
	factory BroadcastFactory
}

// DiscoverOption configures Discover.
type DiscoverOption func(*discoverOptions)

// WithDiscoveryTimeout bounds the scan (default 1.5s).
func WithDiscoveryTimeout(d time.Duration) DiscoverOption {
	return func(o *discoverOptions) { o.timeout = d }
}

// WithDiscoveryAddr changes the probe destination, e.g. to a subnet
// broadcast address.
func WithDiscoveryAddr(addr string) DiscoverOption {
	return func(o *discoverOptions) { o.addr = addr }
}

// WithBroadcastFactory replaces the UDP transport.
func WithBroadcastFactory(f BroadcastFactory) DiscoverOption {
	return func(o *discoverOptions) { o.factory = f }
}

// Discover broadcasts a probe and collects console announcements until the
// timeout expires, maxResults records are held, or (with stopOnFirst) the
// first valid reply arrives. Finding nothing is not an error.
func Discover(ctx context.Context, maxResults int, stopOnFirst bool, opts ...DiscoverOption) ([]DiscoveryRecord, error) {
	o := discoverOptions{
		addr:    net.JoinHostPort("255.255.255.255", strconv.Itoa(DefaultTCPPort)),
		timeout: defaultDiscoveryTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.factory == nil {
		o.factory = ListenUDPBroadcast(defaultDiscoveryPoll)
	}

	results := []DiscoveryRecord{}
	if maxResults <= 0 {
		return results, nil
	}

	conn, err := o.factory(o.addr)
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	debugDiscovery.Log("Sending probe to %s", o.addr)
	if err := conn.SendBroadcast([]byte(DiscoveryProbe)); err != nil {
		return nil, fmt.Errorf("send discovery probe: %w", err)
	}

	deadline := time.Now().Add(o.timeout)
	seen := make(map[string]bool)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		src, payload, err := conn.TryReceiveFrom()
		if err != nil {
			debugDiscovery.Error("receive", err)
			break
		}
		if payload == nil {
			continue
		}

		rec, err := ParseDiscoveryReply(payload)
		if err != nil {
			debugDiscovery.Log("Discarding reply from %s: %v", src, err)
			continue
		}
		if rec.IP == "" {
			rec.IP = src
		}
		if seen[rec.IP] {
			continue
		}
		seen[rec.IP] = true

		debugDiscovery.Log("Found %s %q at %s (serial %s, firmware %s)",
			rec.Model, rec.Name, rec.IP, rec.Serial, rec.Firmware)
		results = append(results, rec)

		if stopOnFirst || len(results) >= maxResults {
			break
		}
	}

	debugDiscovery.Log("Scan complete: %d console(s)", len(results))
	return results, nil
}

// ParseDiscoveryReply parses "WING,<ip>,<name>,<model>,<serial>,<firmware>".
func ParseDiscoveryReply(b []byte) (DiscoveryRecord, error) {
	s := strings.TrimRight(string(b), "\x00\r\n ")
	parts := strings.Split(s, ",")
	if len(parts) < 6 {
		return DiscoveryRecord{}, fmt.Errorf("expected 6 fields, got %d", len(parts))
	}
	if parts[0] != "WING" {
		return DiscoveryRecord{}, fmt.Errorf("unexpected tag %q", parts[0])
	}
	ip := strings.TrimSpace(parts[1])
	if ip != "" && net.ParseIP(ip) == nil {
		return DiscoveryRecord{}, fmt.Errorf("invalid address %q", ip)
	}
	return DiscoveryRecord{
		IP:       ip,
		Name:     parts[2],
		Model:    parts[3],
		Serial:   parts[4],
		Firmware: strings.Join(parts[5:], ","),
	}, nil
}
