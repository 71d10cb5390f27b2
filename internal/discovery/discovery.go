package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_resq-scanner._tcp"
	Domain      = "local."

	defaultBrowseTimeout = 3 * time.Second
)

// ErrNotFound is returned when no scanner gateway answers before the browse deadline.
var ErrNotFound = errors.New("no scanner gateway found")

// FindBroker browses mDNS for a scanner gateway and returns its MQTT broker URL.
func FindBroker(ctx context.Context, timeout time.Duration, logger *slog.Logger) (string, error) {
	if timeout <= 0 {
		timeout = defaultBrowseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, ServiceType, Domain, entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			url, err := BrokerURL(entry)
			if err != nil {
				logger.Debug("ignoring scanner gateway", "instance", entry.Instance, "error", err)
				continue
			}
			logger.Info("scanner gateway discovered", "instance", entry.Instance, "broker", url)
			return url, nil
		case <-browseCtx.Done():
			return "", ErrNotFound
		}
	}
}

// BrokerURL builds a tcp:// broker address from a service entry. The mqtt_port TXT record
// overrides the advertised service port.
func BrokerURL(entry *zeroconf.ServiceEntry) (string, error) {
	if entry == nil {
		return "", errors.New("nil service entry")
	}

	port := entry.Port
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "mqtt_port="); ok {
			if p, err := strconv.Atoi(v); err == nil {
				port = p
			}
		}
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		host = strings.TrimSuffix(entry.HostName, ".")
	}
	if host == "" {
		return "", errors.New("entry has no address")
	}

	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
	logger *slog.Logger
}

// Advertise registers a scanner gateway whose broker listens on mqttPort.
func Advertise(name string, mqttPort int, logger *slog.Logger) (*Advertisement, error) {
	if mqttPort <= 0 {
		return nil, fmt.Errorf("invalid port %d", mqttPort)
	}
	if logger == nil {
		logger = slog.Default()
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "resq-gateway"
	}

	instance := sanitizeInstance(fmt.Sprintf("%s (%s)", name, hostname))
	hostFQDN := sanitizeHost(hostname)
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN += ".local"
	}

	txt := []string{
		fmt.Sprintf("mqtt_port=%d", mqttPort),
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, mqttPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}

	logger.Info("mDNS advertisement started", "instance", instance, "port", mqttPort)
	return &Advertisement{server: server, logger: logger}, nil
}

// Shutdown withdraws the registration.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("mDNS advertisement stopped")
}

func sanitizeInstance(name string) string {
	replacer := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ")
	cleaned := strings.TrimSpace(replacer.Replace(name))
	if cleaned == "" {
		cleaned = "RESQ Scanner Gateway"
	}
	return truncateRunes(cleaned, 63)
}

func sanitizeHost(name string) string {
	replacer := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "")
	cleaned := replacer.Replace(strings.TrimSpace(strings.ToLower(name)))
	if cleaned == "" {
		cleaned = "resq-gateway"
	}
	// Host labels must be <=63 characters.
	return truncateRunes(cleaned, 63)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
