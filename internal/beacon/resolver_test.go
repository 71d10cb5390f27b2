package beacon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"resq/go-sos-agent/internal/model"
)

const testFallbackID = "550e8400-e29b-41d4-a716-446655441111"

type fakeScanner struct {
	readyErr   error
	readyDelay time.Duration
	startErr   error
	scanErr  error
	adverts  []model.Advertisement
	gap      time.Duration

	mu        sync.Mutex
	started   chan struct{}
	stopped   chan struct{}
	stopCalls int
	emitted   int
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{started: make(chan struct{}, 1), stopped: make(chan struct{})}
}

// Ready ignores ctx so tests can model a scanner stuck in a slow connect.
func (f *fakeScanner) Ready(context.Context) error {
	if f.readyDelay > 0 {
		time.Sleep(f.readyDelay)
	}
	return f.readyErr
}

func (f *fakeScanner) Start(h Handler) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started <- struct{}{}
	go func() {
		if f.scanErr != nil {
			h(model.Advertisement{}, f.scanErr)
			return
		}
		for i, adv := range f.adverts {
			if i > 0 && f.gap > 0 {
				select {
				case <-f.stopped:
					return
				case <-time.After(f.gap):
				}
			}
			select {
			case <-f.stopped:
				return
			default:
			}
			f.mu.Lock()
			f.emitted++
			f.mu.Unlock()
			h(adv, nil)
		}
	}()
	return nil
}

func (f *fakeScanner) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.stopCalls == 1 {
		close(f.stopped)
	}
}

func (f *fakeScanner) counts() (stops, emitted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls, f.emitted
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func newTestResolver(s Scanner) *Resolver {
	return NewResolver(s, Options{FallbackID: testFallbackID, Timeout: time.Second}, quietLogger())
}

func TestScanFirstQualifyingWins(t *testing.T) {
	first := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	scanner := newFakeScanner()
	scanner.gap = 200 * time.Millisecond
	scanner.adverts = []model.Advertisement{
		{Address: "AA", Name: "ESP32-Beacon", RSSI: intPtr(-70), ManufacturerData: ManufacturerData(first, 1, 2, -59)},
		{Address: "BB", Name: "nRF beacon", RSSI: intPtr(-40)},
	}

	sig := newTestResolver(scanner).Scan(context.Background(), time.Second)
	if sig.Origin != model.OriginDiscovered {
		t.Fatalf("expected discovered signal, got %s", sig.Origin)
	}
	if sig.Identifier != first.String() {
		t.Fatalf("expected identifier %s, got %s", first, sig.Identifier)
	}
	if sig.DisplayName != "ESP32-Beacon" || sig.RSSI == nil || *sig.RSSI != -70 {
		t.Fatalf("unexpected signal %+v", sig)
	}

	time.Sleep(300 * time.Millisecond)
	stops, emitted := scanner.counts()
	if stops == 0 {
		t.Fatalf("expected scanner to be stopped")
	}
	if emitted != 1 {
		t.Fatalf("expected scanning to stop after the first candidate, %d were emitted", emitted)
	}
}

func TestScanSkipsUnusableCandidates(t *testing.T) {
	scanner := newFakeScanner()
	scanner.adverts = []model.Advertisement{
		{Address: "AA", Name: "beacon-1", Connectable: boolPtr(false), RSSI: intPtr(-30)},
		{Address: "BB", LocalName: "Kitchen Speaker", RSSI: intPtr(-88), Connectable: boolPtr(true)},
	}

	sig := newTestResolver(scanner).Scan(context.Background(), time.Second)
	if !sig.Discovered() {
		t.Fatalf("expected second candidate to qualify, got %+v", sig)
	}
	if sig.DisplayName != "Kitchen Speaker" {
		t.Fatalf("expected local name to be used, got %q", sig.DisplayName)
	}
	if sig.Identifier != testFallbackID {
		t.Fatalf("expected fallback identifier without iBeacon data, got %s", sig.Identifier)
	}
}

func TestScanTimeoutFallsBack(t *testing.T) {
	scanner := newFakeScanner()
	timeout := 50 * time.Millisecond

	start := time.Now()
	sig := newTestResolver(scanner).Scan(context.Background(), timeout)
	elapsed := time.Since(start)

	if sig.Origin != model.OriginFallback || sig.Identifier != testFallbackID {
		t.Fatalf("expected fallback, got %+v", sig)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Fatalf("scan took %s, longer than timeout %s", elapsed, timeout)
	}
	if stops, _ := scanner.counts(); stops != 1 {
		t.Fatalf("expected scanner stopped once on timeout, got %d", stops)
	}
}

func TestScanTimeoutBoundsReadiness(t *testing.T) {
	scanner := newFakeScanner()
	scanner.readyDelay = 800 * time.Millisecond
	timeout := 100 * time.Millisecond

	start := time.Now()
	sig := newTestResolver(scanner).Scan(context.Background(), timeout)
	elapsed := time.Since(start)

	if sig.Origin != model.OriginFallback || sig.Identifier != testFallbackID {
		t.Fatalf("expected fallback, got %+v", sig)
	}
	if elapsed > timeout+300*time.Millisecond {
		t.Fatalf("slow readiness extended the scan to %s (timeout %s)", elapsed, timeout)
	}
	select {
	case <-scanner.started:
		t.Fatalf("scanner must not start once the scan window has passed")
	default:
	}
}

func TestSlowReadinessShortensScanWindow(t *testing.T) {
	scanner := newFakeScanner()
	scanner.readyDelay = 150 * time.Millisecond
	timeout := 250 * time.Millisecond

	start := time.Now()
	sig := newTestResolver(scanner).Scan(context.Background(), timeout)
	elapsed := time.Since(start)

	if sig.Origin != model.OriginFallback {
		t.Fatalf("expected fallback without candidates, got %+v", sig)
	}
	if elapsed > timeout+200*time.Millisecond {
		t.Fatalf("scan took %s, expected readiness to count against %s", elapsed, timeout)
	}
	if stops, _ := scanner.counts(); stops != 1 {
		t.Fatalf("expected scanner stopped once, got %d", stops)
	}
}

func TestScanNeverFails(t *testing.T) {
	cases := map[string]func() Scanner{
		"nil scanner": func() Scanner { return nil },
		"permission denied": func() Scanner {
			s := newFakeScanner()
			s.readyErr = errors.New("permission denied")
			return s
		},
		"start failure": func() Scanner {
			s := newFakeScanner()
			s.startErr = ErrScanUnavailable
			return s
		},
		"scan error": func() Scanner {
			s := newFakeScanner()
			s.scanErr = errors.New("radio reset")
			return s
		},
		"no candidates": func() Scanner { return newFakeScanner() },
	}

	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			scanner := build()
			start := time.Now()
			sig := newTestResolver(scanner).Scan(context.Background(), 100*time.Millisecond)
			if sig.Origin != model.OriginFallback {
				t.Fatalf("expected fallback, got %s", sig.Origin)
			}
			if sig.Identifier != testFallbackID {
				t.Fatalf("expected fallback identifier, got %s", sig.Identifier)
			}
			if time.Since(start) > 600*time.Millisecond {
				t.Fatalf("scan did not resolve within timeout")
			}
		})
	}
}

func TestScanErrorReleasesScanner(t *testing.T) {
	scanner := newFakeScanner()
	scanner.scanErr = errors.New("adapter off")

	sig := newTestResolver(scanner).Scan(context.Background(), time.Second)
	if sig.DisplayName != "Campus Beacon (Fallback - Scan error)" {
		t.Fatalf("unexpected display name %q", sig.DisplayName)
	}
	if stops, _ := scanner.counts(); stops != 1 {
		t.Fatalf("expected scanner stopped once, got %d", stops)
	}
}

func TestConcurrentScanGetsFallback(t *testing.T) {
	scanner := newFakeScanner()
	resolver := newTestResolver(scanner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan model.BeaconSignal, 1)
	go func() { done <- resolver.Scan(ctx, 5*time.Second) }()

	select {
	case <-scanner.started:
	case <-time.After(time.Second):
		t.Fatalf("first scan never started")
	}

	start := time.Now()
	second := resolver.Scan(context.Background(), 5*time.Second)
	if second.Origin != model.OriginFallback {
		t.Fatalf("expected fallback for concurrent scan, got %+v", second)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("concurrent scan should resolve immediately")
	}

	select {
	case <-done:
		t.Fatalf("first scan must not be cancelled by the second")
	default:
	}

	cancel()
	select {
	case first := <-done:
		if first.Origin != model.OriginFallback {
			t.Fatalf("expected cancelled scan to fall back, got %+v", first)
		}
	case <-time.After(time.Second):
		t.Fatalf("first scan did not finish after cancel")
	}
}

func TestOnResolveSeesEverySignal(t *testing.T) {
	var got []model.SignalOrigin
	resolver := NewResolver(nil, Options{
		FallbackID: testFallbackID,
		OnResolve:  func(sig model.BeaconSignal) { got = append(got, sig.Origin) },
	}, quietLogger())

	resolver.Scan(context.Background(), time.Millisecond)
	resolver.Scan(context.Background(), time.Millisecond)
	if len(got) != 2 || got[0] != model.OriginFallback {
		t.Fatalf("unexpected resolve callbacks %v", got)
	}
}

func TestQualifies(t *testing.T) {
	cases := []struct {
		name string
		adv  model.Advertisement
		want bool
	}{
		{"marker in name", model.Advertisement{Name: "Campus iBeacon"}, true},
		{"marker in local name", model.Advertisement{LocalName: "NRF52"}, true},
		{"strong signal", model.Advertisement{RSSI: intPtr(-95)}, true},
		{"signal at threshold", model.Advertisement{RSSI: intPtr(-100)}, false},
		{"no name no rssi", model.Advertisement{Address: "AA"}, false},
		{"zero rssi", model.Advertisement{RSSI: intPtr(0)}, false},
		{"not connectable", model.Advertisement{Name: "beacon", Connectable: boolPtr(false)}, false},
		{"connectable unknown", model.Advertisement{Name: "esp32"}, true},
	}
	for _, tc := range cases {
		if got := Qualifies(tc.adv, DefaultRSSIThreshold); got != tc.want {
			t.Fatalf("%s: expected %v got %v", tc.name, tc.want, got)
		}
	}
}

func TestProximityUUID(t *testing.T) {
	id := uuid.MustParse("f7826da6-4fa2-4e98-8024-bc5b71e0893e")
	got, ok := ProximityUUID(ManufacturerData(id, 100, 7, -59))
	if !ok || got != id.String() {
		t.Fatalf("expected %s, got %s ok=%v", id, got, ok)
	}
	if _, ok := ProximityUUID([]byte{0x4C, 0x00, 0x02}); ok {
		t.Fatalf("short manufacturer data must not yield a uuid")
	}
}
