package banext

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func gateTestConfig(maxAttempts, maxFailures int) Config {
	cfg := DefaultConfig()
	cfg.MaxConnectionAttempts = maxAttempts
	cfg.MaxFailures = maxFailures
	return cfg
}

func newTestGate(t *testing.T, cfg Config) (*AdmissionGate, *fakeClock) {
	t.Helper()
	clock := newFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := NewBanRegistry(NewMemoryStore(), cfg.BanPolicy(), nil)
	if _, err := registry.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	gate, err := NewAdmissionGate(registry, cfg, GateOptions{Now: clock.Now})
	if err != nil {
		t.Fatalf("NewAdmissionGate: %v", err)
	}
	return gate, clock
}

func TestNewAdmissionGateRequiresLoadedRegistry(t *testing.T) {
	registry := NewBanRegistry(nil, testPolicy(), nil)
	if _, err := NewAdmissionGate(registry, DefaultConfig(), GateOptions{}); !errors.Is(err, ErrRegistryNotLoaded) {
		t.Fatalf("expected ErrRegistryNotLoaded, got %v", err)
	}
}

func TestNewAdmissionGateValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanPeriodMultiplier = 0.5
	if _, err := NewAdmissionGate(loadedRegistry(nil), cfg, GateOptions{}); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestBeforeAcceptTerminatesAfterMaxAttempts(t *testing.T) {
	const max = 10
	gate, _ := newTestGate(t, gateTestConfig(max, 0))

	for i := 0; i < max; i++ {
		if d := gate.BeforeAccept(fmt.Sprintf("203.0.113.7:%d", 40000+i)); !d.Admit {
			t.Fatalf("attempt %d rejected early: %+v", i+1, d)
		}
	}
	d := gate.BeforeAccept("203.0.113.7:50000")
	if d.Admit {
		t.Fatalf("expected attempt %d to be terminated", max+1)
	}
	if d.Reason != ReasonTooManyConnections || d.CloseCode != CloseCodePolicyViolation {
		t.Fatalf("unexpected decision %+v", d)
	}
	err := d.Err()
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected ErrPolicyViolation, got %v", err)
	}
	var pv *PolicyViolationError
	if !errors.As(err, &pv) || pv.Status != 1008 {
		t.Fatalf("expected status 1008, got %v", err)
	}

	if !gate.Registry().IsBanned("203.0.113.7", gate.now()) {
		t.Fatalf("expected address banned")
	}
	if d := gate.BeforeAccept("203.0.113.7:50001"); d.Admit || d.Reason != ReasonBanned {
		t.Fatalf("expected banned decision, got %+v", d)
	}
	if d := gate.BeforeAccept("203.0.113.8:50001"); !d.Admit {
		t.Fatalf("other addresses must be admitted, got %+v", d)
	}
}

func TestBanExpiresAndEscalates(t *testing.T) {
	gate, clock := newTestGate(t, gateTestConfig(1, 0))

	gate.BeforeAccept("198.51.100.1")
	if d := gate.BeforeAccept("198.51.100.1"); d.Admit {
		t.Fatalf("expected second attempt terminated")
	}
	clock.Advance(time.Hour)
	if d := gate.BeforeAccept("198.51.100.1"); !d.Admit {
		t.Fatalf("expected admission after ban expiry, got %+v", d)
	}
	if d := gate.BeforeAccept("198.51.100.1"); d.Admit {
		t.Fatalf("expected re-ban")
	}
	rec, _ := gate.Registry().Lookup("198.51.100.1")
	if rec.BanCount != 2 {
		t.Fatalf("expected ban count 2, got %d", rec.BanCount)
	}
	if got := rec.Till.Sub(rec.BannedAt); got != 2*time.Hour {
		t.Fatalf("expected escalated period 2h, got %s", got)
	}
}

func TestConnectionValidatedGatesIdentityAcrossAddresses(t *testing.T) {
	const max = 10
	gate, _ := newTestGate(t, gateTestConfig(max, 0))
	identity := "GCLIENTPUBKEY"

	var last Decision
	for i := 0; i <= max; i++ {
		ip := fmt.Sprintf("127.0.0.%d", i)
		if d := gate.BeforeAccept(ip); !d.Admit {
			t.Fatalf("address %s rejected: %+v", ip, d)
		}
		conn := NewConnection(ip + ":1234")
		conn.Identity = identity
		last = gate.ConnectionValidated(conn)
		if i < max && !last.Admit {
			t.Fatalf("identity rejected early at %d: %+v", i+1, last)
		}
	}
	if last.Admit || last.Reason != ReasonTooManyConnections {
		t.Fatalf("expected identity terminated, got %+v", last)
	}
	if !gate.Registry().IsBanned(identity, gate.now()) {
		t.Fatalf("expected identity banned")
	}
	conn := NewConnection("127.0.0.200:1")
	conn.Identity = identity
	if d := gate.ConnectionValidated(conn); d.Reason != ReasonBanned {
		t.Fatalf("expected banned identity rejected, got %+v", d)
	}
}

func TestBeforeAcceptGatesAddressAcrossIdentities(t *testing.T) {
	const max = 10
	gate, _ := newTestGate(t, gateTestConfig(max, 0))
	addr := "198.51.100.4:7000"

	identities := make([]string, 0, max)
	for i := 0; i < max; i++ {
		if d := gate.BeforeAccept(addr); !d.Admit {
			t.Fatalf("attempt %d rejected early: %+v", i+1, d)
		}
		conn := NewConnection(addr)
		conn.Identity = fmt.Sprintf("GCLIENT%02d", i)
		identities = append(identities, conn.Identity)
		if d := gate.ConnectionValidated(conn); !d.Admit {
			t.Fatalf("identity %s rejected: %+v", conn.Identity, d)
		}
	}

	d := gate.BeforeAccept(addr)
	if d.Admit || d.Reason != ReasonTooManyConnections {
		t.Fatalf("expected address terminated, got %+v", d)
	}
	now := gate.now()
	if !gate.Registry().IsBanned("198.51.100.4", now) {
		t.Fatalf("expected address banned")
	}
	for _, id := range identities {
		if gate.Registry().IsBanned(id, now) {
			t.Fatalf("identity %s must not be banned", id)
		}
	}
}

// The default thresholds ban on the 1000th event in each of the three
// admission paths.
func TestDefaultConfigBansOnThousandthEvent(t *testing.T) {
	const events = 1000

	t.Run("address", func(t *testing.T) {
		gate, _ := newTestGate(t, DefaultConfig())
		var d Decision
		for i := 0; i < events; i++ {
			d = gate.BeforeAccept("test")
			if i < events-1 && !d.Admit {
				t.Fatalf("attempt %d terminated early: %+v", i+1, d)
			}
		}
		if d.Admit || d.Reason != ReasonTooManyConnections {
			t.Fatalf("expected attempt %d terminated, got %+v", events, d)
		}
	})

	t.Run("identity", func(t *testing.T) {
		gate, _ := newTestGate(t, DefaultConfig())
		var d Decision
		for i := 0; i < events; i++ {
			ip := fmt.Sprintf("10.0.%d.%d", i/256, i%256)
			if pre := gate.BeforeAccept(ip); !pre.Admit {
				t.Fatalf("address %s rejected: %+v", ip, pre)
			}
			conn := NewConnection(ip)
			conn.Identity = "GSHAREDPUBKEY"
			d = gate.ConnectionValidated(conn)
			if i < events-1 && !d.Admit {
				t.Fatalf("validation %d terminated early: %+v", i+1, d)
			}
		}
		if d.Admit || d.Reason != ReasonTooManyConnections {
			t.Fatalf("expected validation %d terminated, got %+v", events, d)
		}
	})

	t.Run("failures", func(t *testing.T) {
		gate, _ := newTestGate(t, DefaultConfig())
		conn := NewConnection("192.0.2.1:5000")
		conn.Identity = "GFAILING"
		var d Decision
		for i := 0; i < events; i++ {
			d = gate.HandleMessageFailed(conn, errors.New("bad message"))
			if i < events-1 && !d.Admit {
				t.Fatalf("failure %d terminated early: %+v", i+1, d)
			}
		}
		if d.Admit || d.Reason != ReasonTooManyFailures {
			t.Fatalf("expected failure %d terminated, got %+v", events, d)
		}
	})
}

func TestHandleMessageFailedBansIdentity(t *testing.T) {
	const max = 10
	gate, _ := newTestGate(t, gateTestConfig(0, max))
	conn := NewConnection("127.0.0.1:9000")
	conn.Identity = "GCLIENT"

	for i := 0; i < max; i++ {
		if d := gate.HandleMessageFailed(conn, errors.New("bad request")); !d.Admit {
			t.Fatalf("failure %d terminated early", i+1)
		}
	}
	d := gate.HandleMessageFailed(conn, errors.New("bad request"))
	if d.Admit || d.Reason != ReasonTooManyFailures {
		t.Fatalf("expected termination, got %+v", d)
	}
	if !gate.Registry().IsBanned("GCLIENT", gate.now()) {
		t.Fatalf("expected identity banned")
	}
	if gate.Registry().IsBanned("127.0.0.1", gate.now()) {
		t.Fatalf("address must not be banned when identity is known")
	}

	gate.ConnectionClosed(conn)
	if gate.failures.Tracked() != 0 {
		t.Fatalf("expected failure counter released on close")
	}
}

func TestHandleMessageFailedBansAddressWithoutIdentity(t *testing.T) {
	gate, _ := newTestGate(t, gateTestConfig(0, 1))
	conn := NewConnection("[2001:db8::1]:443")

	gate.HandleMessageFailed(conn, nil)
	if d := gate.HandleMessageFailed(conn, nil); d.Admit {
		t.Fatalf("expected termination")
	}
	if !gate.Registry().IsBanned("2001:db8::1", gate.now()) {
		t.Fatalf("expected address banned")
	}
}

func TestGateHookPanicAdmits(t *testing.T) {
	cfg := gateTestConfig(1, 1)
	gate, err := NewAdmissionGate(loadedRegistry(nil), cfg, GateOptions{
		Now: func() time.Time { panic("clock failure") },
	})
	if err != nil {
		t.Fatalf("NewAdmissionGate: %v", err)
	}
	if d := gate.BeforeAccept("10.0.0.1"); !d.Admit {
		t.Fatalf("expected admit on panic, got %+v", d)
	}
	conn := NewConnection("10.0.0.1:1")
	conn.Identity = "id"
	if d := gate.ConnectionValidated(conn); !d.Admit {
		t.Fatalf("expected admit on panic, got %+v", d)
	}
	if d := gate.HandleMessageFailed(conn, nil); !d.Admit {
		t.Fatalf("expected admit on panic, got %+v", d)
	}
}

func TestGateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	cfg := gateTestConfig(1, 0)
	registry := NewBanRegistry(nil, cfg.BanPolicy(), metrics)
	_, _ = registry.LoadAll(context.Background())
	gate, err := NewAdmissionGate(registry, cfg, GateOptions{Metrics: metrics})
	if err != nil {
		t.Fatalf("NewAdmissionGate: %v", err)
	}

	gate.BeforeAccept("10.0.0.1")
	gate.BeforeAccept("10.0.0.1")
	gate.BeforeAccept("10.0.0.1")

	if got := gatheredValue(t, reg, "banext_admission_rejections_total", string(ReasonTooManyConnections)); got != 1 {
		t.Fatalf("expected 1 too_many_connections rejection, got %v", got)
	}
	if got := gatheredValue(t, reg, "banext_admission_rejections_total", string(ReasonBanned)); got != 1 {
		t.Fatalf("expected 1 banned rejection, got %v", got)
	}
	if got := gatheredValue(t, reg, "banext_bans_registered_total", string(ReasonTooManyConnections)); got != 1 {
		t.Fatalf("expected 1 registered ban, got %v", got)
	}
	if got := gatheredValue(t, reg, "banext_ban_records", ""); got != 1 {
		t.Fatalf("expected 1 ban record, got %v", got)
	}
}

// gatheredValue returns the counter or gauge value of the series of name
// whose first label equals label (any series when label is empty).
func gatheredValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" {
				labels := m.GetLabel()
				if len(labels) == 0 || labels[0].GetValue() != label {
					continue
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestNormalizeSourceAddress(t *testing.T) {
	cases := map[string]string{
		"203.0.113.7:5555":   "203.0.113.7",
		"203.0.113.7":        "203.0.113.7",
		"[2001:db8::1]:8080": "2001:db8::1",
		"[2001:db8::1]":      "2001:db8::1",
		"  test  ":           "test",
		"":                   "",
	}
	for in, want := range cases {
		if got := NormalizeSourceAddress(in); got != want {
			t.Fatalf("NormalizeSourceAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
