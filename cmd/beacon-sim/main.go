package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"resq/go-sos-agent/internal/beacon"
	"resq/go-sos-agent/internal/discovery"
	"resq/go-sos-agent/internal/model"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	scannerID := flag.String("scanner-id", "sim-gateway-1", "Scanner gateway identifier")
	tagAddress := flag.String("tag-address", "C4:7F:51:00:00:01", "Simulated tag MAC address")
	tagName := flag.String("name", "ESP32 Beacon", "Advertised local name")
	proximity := flag.String("uuid", "550e8400-e29b-41d4-a716-446655441111", "iBeacon proximity UUID")
	major := flag.Uint("major", 1, "iBeacon major")
	minor := flag.Uint("minor", 1, "iBeacon minor")
	txPower := flag.Int("tx-power", -59, "Calibrated tx power at 1m")
	baseRSSI := flag.Int("rssi", -65, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")
	connectable := flag.Bool("connectable", true, "Whether the tag advertises as connectable")
	interval := flag.Duration("interval", time.Second, "Interval between published advertisements")
	advertise := flag.Bool("advertise", false, "Announce the broker over mDNS so agents can find it")

	flag.Parse()

	proximityUUID, err := uuid.Parse(*proximity)
	if err != nil {
		log.Fatalf("invalid -uuid: %v", err)
	}
	if err := validateIBeacon(*major, *minor, *txPower); err != nil {
		log.Fatal(err)
	}
	manufacturerData := beacon.ManufacturerData(proximityUUID, uint16(*major), uint16(*minor), int8(*txPower))

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	clientID := fmt.Sprintf("%s-simulator-%d", *scannerID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	if *advertise {
		port, err := brokerPort(*brokerAddr)
		if err != nil {
			log.Fatalf("cannot advertise broker: %v", err)
		}
		adv, err := discovery.Advertise("RESQ Beacon Simulator", port, slog.Default())
		if err != nil {
			log.Fatalf("mdns advertise: %v", err)
		}
		defer adv.Shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	topic := fmt.Sprintf("beacons/discovery/%s", *scannerID)

	publish := func() {
		rssi := randomRSSI(rng, *baseRSSI, *rssiJitter)
		power := *txPower
		payload := model.Advertisement{
			ScannerID:        *scannerID,
			Address:          *tagAddress,
			LocalName:        *tagName,
			RSSI:             &rssi,
			Connectable:      connectable,
			ManufacturerData: manufacturerData,
			TxPower:          &power,
			EventType:        "adv_ind",
			Timestamp:        time.Now().UTC(),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s rssi=%d", topic, rssi)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// validateIBeacon rejects values that do not fit the iBeacon frame.
func validateIBeacon(major, minor uint, txPower int) error {
	if major > math.MaxUint16 {
		return fmt.Errorf("invalid -major %d: must be 0-65535", major)
	}
	if minor > math.MaxUint16 {
		return fmt.Errorf("invalid -minor %d: must be 0-65535", minor)
	}
	if txPower < math.MinInt8 || txPower > math.MaxInt8 {
		return fmt.Errorf("invalid -tx-power %d: must be -128-127", txPower)
	}
	return nil
}

func randomRSSI(rng *rand.Rand, base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rng.Intn(jitter*2+1) - jitter
	return base + delta
}

func brokerPort(addr string) (int, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return 0, fmt.Errorf("parse broker address: %w", err)
	}
	if u.Port() == "" {
		return 1883, nil
	}
	return strconv.Atoi(u.Port())
}
