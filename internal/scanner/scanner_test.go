package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"resq/go-sos-agent/internal/beacon"
	"resq/go-sos-agent/internal/model"
)

func TestDecodeAdvertisement(t *testing.T) {
	payload := []byte(`{
		"tag_address": "C4:7F:51:00:11:22",
		"tag_name": "ESP32-Lobby",
		"rssi": -67,
		"connectable": true,
		"manufacturer_data": "TAACFREREREREREREREREREREREA0wAFxQ==",
		"tx_power": -59,
		"event_type": "adv_ind",
		"timestamp": "2024-03-01T10:00:00Z"
	}`)

	adv, err := Decode("beacons/discovery/gw-lobby", payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if adv.ScannerID != "gw-lobby" {
		t.Fatalf("expected scanner id from topic, got %q", adv.ScannerID)
	}
	if adv.RSSI == nil || *adv.RSSI != -67 {
		t.Fatalf("unexpected rssi %v", adv.RSSI)
	}
	if adv.Connectable == nil || !*adv.Connectable {
		t.Fatalf("expected connectable flag")
	}
	if len(adv.ManufacturerData) != 25 {
		t.Fatalf("expected 25 bytes of manufacturer data, got %d", len(adv.ManufacturerData))
	}
	id, ok := beacon.ProximityUUID(adv.ManufacturerData)
	if !ok || id != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("unexpected proximity uuid %q ok=%v", id, ok)
	}
	if adv.Timestamp.Year() != 2024 {
		t.Fatalf("timestamp not parsed: %s", adv.Timestamp)
	}
}

func TestDecodeKeepsPayloadScannerID(t *testing.T) {
	adv, err := Decode("beacons/discovery/gw-1", []byte(`{"scanner_id":"gw-9","tag_address":"AA"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if adv.ScannerID != "gw-9" {
		t.Fatalf("expected payload scanner id, got %q", adv.ScannerID)
	}
	if adv.Timestamp.IsZero() {
		t.Fatalf("expected receive time when timestamp is missing")
	}
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":        `rssi=-40`,
		"missing address": `{"tag_name":"beacon","rssi":-40}`,
	}
	for name, payload := range cases {
		if _, err := Decode("beacons/discovery/gw", []byte(payload)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestHandleMessageRecordsAndForwards(t *testing.T) {
	var recorded []model.Advertisement
	s := New(Options{Record: func(adv model.Advertisement) { recorded = append(recorded, adv) }}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var forwarded []model.Advertisement
	s.handler = func(adv model.Advertisement, err error) {
		if err != nil {
			t.Fatalf("unexpected handler error: %v", err)
		}
		forwarded = append(forwarded, adv)
	}

	s.handleMessage("beacons/discovery/gw", []byte(`{"tag_address":"AA","rssi":-50}`))
	s.handleMessage("beacons/discovery/gw", []byte(`{"rssi":-50}`))

	if len(recorded) != 1 || len(forwarded) != 1 {
		t.Fatalf("expected one recorded and forwarded advertisement, got %d/%d", len(recorded), len(forwarded))
	}

	s.handler = nil
	s.handleMessage("beacons/discovery/gw", []byte(`{"tag_address":"BB"}`))
	if len(recorded) != 2 || len(forwarded) != 1 {
		t.Fatalf("idle scanner must still record but not forward, got %d/%d", len(recorded), len(forwarded))
	}
}

func TestReadyWithoutBroker(t *testing.T) {
	s := New(Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Ready(context.Background()); !errors.Is(err, beacon.ErrScanUnavailable) {
		t.Fatalf("expected ErrScanUnavailable, got %v", err)
	}
	if err := s.Start(func(model.Advertisement, error) {}); !errors.Is(err, beacon.ErrScanUnavailable) {
		t.Fatalf("expected start to fail without connection, got %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestReadyLocateFailure(t *testing.T) {
	s := New(Options{Locate: func(context.Context) (string, error) {
		return "", errors.New("no gateway answered")
	}}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := s.Ready(context.Background()); !errors.Is(err, beacon.ErrScanUnavailable) {
		t.Fatalf("expected ErrScanUnavailable, got %v", err)
	}
}

// pendingToken never completes.
type pendingToken struct{ done chan struct{} }

func (p pendingToken) Wait() bool { <-p.done; return true }
func (p pendingToken) WaitTimeout(time.Duration) bool { return false }
func (p pendingToken) Done() <-chan struct{} { return p.done }
func (p pendingToken) Error() error { return nil }

// stalledClient is an mqtt.Client whose connect attempt hangs.
type stalledClient struct {
	mqtt.Client
	disconnects atomic.Int32
}

func (c *stalledClient) Connect() mqtt.Token { return pendingToken{done: make(chan struct{})} }
func (c *stalledClient) IsConnectionOpen() bool { return false }
func (c *stalledClient) Disconnect(uint) { c.disconnects.Add(1) }

func TestReadyAbandonsStalledConnect(t *testing.T) {
	client := &stalledClient{}
	s := New(Options{Broker: "tcp://gateway.invalid:1883", ConnectTimeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.newClient = func(*mqtt.ClientOptions) mqtt.Client { return client }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Ready(ctx)
	if !errors.Is(err, beacon.ErrScanUnavailable) {
		t.Fatalf("expected ErrScanUnavailable, got %v", err)
	}
	if n := client.disconnects.Load(); n != 1 {
		t.Fatalf("expected the pending connection to be disconnected once, got %d", n)
	}
	if s.Broker() != "" {
		t.Fatalf("stalled connect must not be recorded as the broker, got %q", s.Broker())
	}
}

func TestManufacturerDataMatchesGatewayEncoding(t *testing.T) {
	data := beacon.ManufacturerData(uuid.MustParse("11111111-1111-1111-1111-111111111111"), 0x00D3, 0x0005, -59)
	adv, err := Decode("beacons/discovery/gw", []byte(`{"tag_address":"AA","manufacturer_data":"TAACFREREREREREREREREREREREA0wAFxQ=="}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(adv.ManufacturerData) != string(data) {
		t.Fatalf("encoding mismatch: %x vs %x", adv.ManufacturerData, data)
	}
}
