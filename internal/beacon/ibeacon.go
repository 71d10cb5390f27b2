package beacon

import "github.com/google/uuid"

// iBeacon manufacturer data: company id (2) + type (1) + length (1) + uuid (16) + major (2) + minor (2) + tx power (1).
const (
	proximityUUIDOffset = 4
	proximityUUIDLen    = 16
)

// ProximityUUID extracts the iBeacon proximity UUID from raw manufacturer data.
func ProximityUUID(data []byte) (string, bool) {
	if len(data) < proximityUUIDOffset+proximityUUIDLen {
		return "", false
	}
	id, err := uuid.FromBytes(data[proximityUUIDOffset : proximityUUIDOffset+proximityUUIDLen])
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// ManufacturerData builds iBeacon manufacturer data for the given proximity UUID.
// The simulator uses it to publish realistic advertisements.
func ManufacturerData(proximity uuid.UUID, major, minor uint16, txPower int8) []byte {
	data := make([]byte, 0, 25)
	data = append(data, 0x4C, 0x00, 0x02, 0x15)
	data = append(data, proximity[:]...)
	data = append(data, byte(major>>8), byte(major&0xFF))
	data = append(data, byte(minor>>8), byte(minor&0xFF))
	data = append(data, byte(txPower))
	return data
}
