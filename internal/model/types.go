package model

import "time"

// SignalOrigin tells whether a beacon signal came from a real transmitter or a configured default.
type SignalOrigin string

const (
	OriginDiscovered SignalOrigin = "discovered"
	OriginFallback   SignalOrigin = "fallback"
)

// BeaconSignal is the outcome of a single proximity scan.
type BeaconSignal struct {
	Identifier  string       `json:"identifier"`
	DisplayName string       `json:"display_name"`
	Origin      SignalOrigin `json:"origin"`
	RSSI        *int         `json:"rssi,omitempty"`
	ScannedAt   time.Time    `json:"scanned_at"`
}

// Discovered reports whether a nearby transmitter answered within the scan window.
func (s BeaconSignal) Discovered() bool {
	return s.Origin == OriginDiscovered
}

// Advertisement captures one BLE advertisement reported by a scanner gateway.
type Advertisement struct {
	ScannerID        string    `json:"scanner_id"`
	Address          string    `json:"tag_address"`
	Name             string    `json:"tag_name,omitempty"`
	LocalName        string    `json:"local_name,omitempty"`
	RSSI             *int      `json:"rssi,omitempty"`
	Connectable      *bool     `json:"connectable,omitempty"`
	ManufacturerData []byte    `json:"manufacturer_data,omitempty"`
	TxPower          *int      `json:"tx_power,omitempty"`
	EventType        string    `json:"event_type,omitempty"`
	Timestamp        time.Time `json:"timestamp,omitempty"`
}

// DiscoveredBeacon is the persisted view of the last advertisement seen from a tag.
type DiscoveredBeacon struct {
	ScannerID        string    `json:"scanner_id"`
	TagAddress       string    `json:"tag_address"`
	TagName          string    `json:"tag_name,omitempty"`
	RSSI             int       `json:"rssi"`
	ManufacturerData string    `json:"manufacturer_data,omitempty"`
	TxPower          *int      `json:"tx_power,omitempty"`
	EventType        string    `json:"event_type,omitempty"`
	LastSeen         time.Time `json:"last_seen"`
}

// Position is a geographic fix attached to an SOS report when one is available.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
