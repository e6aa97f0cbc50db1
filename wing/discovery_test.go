package wing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type datagram struct {
	src     string
	payload string
}

// fakeBroadcast hands out queued datagrams after the probe has been sent.
type fakeBroadcast struct {
	mu      sync.Mutex
	queue   []datagram
	sent    [][]byte
	sendErr error
	probed  bool
	closed  bool
}

func (f *fakeBroadcast) SendBroadcast(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), b...))
	f.probed = true
	return nil
}

func (f *fakeBroadcast) TryReceiveFrom() (string, []byte, error) {
	f.mu.Lock()
	if !f.probed || len(f.queue) == 0 {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		return "", nil, nil
	}
	d := f.queue[0]
	f.queue = f.queue[1:]
	f.mu.Unlock()
	return d.src, []byte(d.payload), nil
}

func (f *fakeBroadcast) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func factoryFor(f *fakeBroadcast) DiscoverOption {
	return WithBroadcastFactory(func(addr string) (BroadcastConn, error) { return f, nil })
}

func TestDiscover(t *testing.T) {
	two := []datagram{
		{"192.168.1.50", "WING,192.168.1.50,FOH,wing-rack,S1234,3.0.5"},
		{"192.168.1.51", "WING,192.168.1.51,Monitors,wing-compact,S5678,3.0.5"},
	}

	tests := []struct {
		name        string
		queue       []datagram
		max         int
		stopOnFirst bool
		wantIPs     []string
	}{
		{"stop on first", two, 10, true, []string{"192.168.1.50"}},
		{"max one", two, 1, false, []string{"192.168.1.50"}},
		{"collect all", two, 10, false, []string{"192.168.1.50", "192.168.1.51"}},
		{"none", nil, 10, false, []string{}},
		{
			name: "malformed and duplicate",
			queue: []datagram{
				{"10.0.0.2", "HELLO"},
				{"10.0.0.3", "WING,not-an-ip,x,y,z,1"},
				{"10.0.0.4", "WING,10.0.0.4,Stage,wing,S1,2.1"},
				{"10.0.0.4", "WING,10.0.0.4,Stage,wing,S1,2.1"},
				{"10.0.0.5", "XING,10.0.0.5,a,b,c,d"},
			},
			max:     10,
			wantIPs: []string{"10.0.0.4"},
		},
		{
			name:    "address from source",
			queue:   []datagram{{"10.0.0.7", "WING,,Booth,wing,S9,3.1\x00"}},
			max:     10,
			wantIPs: []string{"10.0.0.7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeBroadcast{queue: append([]datagram(nil), tt.queue...)}
			got, err := Discover(context.Background(), tt.max, tt.stopOnFirst,
				factoryFor(f), WithDiscoveryTimeout(100*time.Millisecond))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got == nil {
				t.Fatal("expected non-nil result")
			}
			if len(got) != len(tt.wantIPs) {
				t.Fatalf("expected %d records, got %+v", len(tt.wantIPs), got)
			}
			for i, ip := range tt.wantIPs {
				if got[i].IP != ip {
					t.Errorf("record %d: expected %s, got %s", i, ip, got[i].IP)
				}
			}
			if string(f.sent[0]) != DiscoveryProbe {
				t.Errorf("unexpected probe %q", f.sent[0])
			}
			if !f.closed {
				t.Error("socket not closed")
			}
		})
	}
}

func TestDiscover_Errors(t *testing.T) {
	t.Run("send fails", func(t *testing.T) {
		f := &fakeBroadcast{sendErr: errors.New("network is unreachable")}
		_, err := Discover(context.Background(), 4, false, factoryFor(f))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("socket fails", func(t *testing.T) {
		_, err := Discover(context.Background(), 4, false,
			WithBroadcastFactory(func(string) (BroadcastConn, error) { return nil, errors.New("permission denied") }))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("zero max", func(t *testing.T) {
		f := &fakeBroadcast{}
		got, err := Discover(context.Background(), 0, false, factoryFor(f))
		if err != nil || len(got) != 0 {
			t.Fatalf("expected empty result, got %v %v", got, err)
		}
		if len(f.sent) != 0 {
			t.Error("probe sent for zero max")
		}
	})
}

func TestParseDiscoveryReply(t *testing.T) {
	rec, err := ParseDiscoveryReply([]byte("WING,192.168.0.10,FOH,wing-rack,S0001,3.0.5-rc,beta\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := DiscoveryRecord{IP: "192.168.0.10", Name: "FOH", Model: "wing-rack", Serial: "S0001", Firmware: "3.0.5-rc,beta"}
	if rec != want {
		t.Errorf("got %+v, want %+v", rec, want)
	}
}
