package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"resq/go-sos-agent/internal/beacon"
	"resq/go-sos-agent/internal/model"
)

const (
	DefaultTopic          = "beacons/discovery/+"
	defaultConnectTimeout = 5 * time.Second
)

// Options configures the MQTT-backed scanner.
type Options struct {
	Broker         string
	Topic          string
	ClientID       string
	ConnectTimeout time.Duration
	// Locate is consulted when Broker is empty.
	Locate func(ctx context.Context) (string, error)
	// Record receives every decoded advertisement, qualifying or not.
	Record func(model.Advertisement)
}

// Scanner receives BLE advertisements relayed by scanner gateways over MQTT.
// It implements beacon.Scanner.
type Scanner struct {
	opts      Options
	logger    *slog.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu      sync.Mutex
	client  mqtt.Client
	broker  string
	handler beacon.Handler
}

// New constructs a scanner. No connection is made until Ready.
func New(opts Options, logger *slog.Logger) *Scanner {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("resq-agent-%d", time.Now().UnixNano())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{opts: opts, logger: logger, newClient: mqtt.NewClient}
}

// Broker returns the broker address of the current connection, if any.
func (s *Scanner) Broker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broker
}

// Ready connects to the broker on first use and reports whether scanning is possible.
func (s *Scanner) Ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && s.client.IsConnectionOpen() {
		return nil
	}

	broker := s.opts.Broker
	if broker == "" && s.opts.Locate != nil {
		located, err := s.opts.Locate(ctx)
		if err != nil {
			return fmt.Errorf("%w: locate broker: %v", beacon.ErrScanUnavailable, err)
		}
		broker = located
	}
	if broker == "" {
		return fmt.Errorf("%w: no mqtt broker configured", beacon.ErrScanUnavailable)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(s.opts.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectTimeout(s.opts.ConnectTimeout).
		SetConnectionLostHandler(s.connectionLost)

	client := s.newClient(opts)
	if err := waitToken(ctx, client.Connect(), s.opts.ConnectTimeout); err != nil {
		// The connect attempt may still complete in the background.
		client.Disconnect(0)
		return fmt.Errorf("%w: connect %s: %v", beacon.ErrScanUnavailable, broker, err)
	}

	s.client = client
	s.broker = broker
	s.logger.Info("connected to scanner gateway broker", "broker", broker, "client_id", s.opts.ClientID)
	return nil
}

// Start subscribes to the advertisement topic and forwards decoded reports to h.
func (s *Scanner) Start(h beacon.Handler) error {
	s.mu.Lock()
	client := s.client
	s.handler = h
	s.mu.Unlock()

	if client == nil {
		return fmt.Errorf("%w: not connected", beacon.ErrScanUnavailable)
	}

	token := client.Subscribe(s.opts.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if err := waitToken(context.Background(), token, s.opts.ConnectTimeout); err != nil {
		s.mu.Lock()
		s.handler = nil
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", s.opts.Topic, err)
	}

	s.logger.Debug("subscribed to advertisements", "topic", s.opts.Topic)
	return nil
}

// Stop unsubscribes from the advertisement topic. The connection stays open for the next scan.
func (s *Scanner) Stop() {
	s.mu.Lock()
	client := s.client
	active := s.handler != nil
	s.handler = nil
	s.mu.Unlock()

	if client == nil || !active || !client.IsConnectionOpen() {
		return
	}
	token := client.Unsubscribe(s.opts.Topic)
	if !token.WaitTimeout(s.opts.ConnectTimeout) {
		s.logger.Warn("unsubscribe timed out", "topic", s.opts.Topic)
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Warn("unsubscribe failed", "topic", s.opts.Topic, "error", err)
	}
}

// Close disconnects from the broker.
func (s *Scanner) Close() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.handler = nil
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
		s.logger.Info("disconnected from scanner gateway broker")
	}
}

func (s *Scanner) handleMessage(topic string, payload []byte) {
	adv, err := Decode(topic, payload)
	if err != nil {
		s.logger.Debug("advertisement dropped", "topic", topic, "error", err)
		return
	}

	if s.opts.Record != nil {
		s.opts.Record(adv)
	}

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(adv, nil)
	}
}

func (s *Scanner) connectionLost(_ mqtt.Client, err error) {
	s.logger.Warn("scanner gateway connection lost", "error", err)

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(model.Advertisement{}, fmt.Errorf("connection lost: %w", err))
	}
}

// Decode parses an advertisement report. The scanner id falls back to the last topic segment.
func Decode(topic string, payload []byte) (model.Advertisement, error) {
	var adv model.Advertisement
	if err := json.Unmarshal(payload, &adv); err != nil {
		return model.Advertisement{}, fmt.Errorf("decode advertisement: %w", err)
	}

	adv.Address = strings.TrimSpace(adv.Address)
	if adv.Address == "" {
		return model.Advertisement{}, errors.New("advertisement missing tag_address")
	}

	if adv.ScannerID == "" {
		parts := strings.Split(topic, "/")
		adv.ScannerID = parts[len(parts)-1]
	}

	if adv.Timestamp.IsZero() {
		adv.Timestamp = time.Now().UTC()
	}

	return adv, nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
