package ble

import "context"

// CharacteristicUUID is the single writable+notifiable characteristic every
// peripheral exposes, fixed regardless of the rotating service UUID.
const CharacteristicUUID = "A1B2C3D4-E5F6-4A5B-8C9D-0E1F2A3B4C5D"

// Discovery is one advertisement observed while scanning.
type Discovery struct {
	DeviceRef string // platform-opaque reference, stable for the life of the radio sighting
	ServiceUUID string
	RSSI      int
}

// Conn is a platform-opaque handle to an established GATT connection.
type Conn interface {
	Ref() string
}

// Platform is the BLE boundary the transport depends on (spec §6, "BLE
// platform (provided)"). A concrete adapter backs it with
// tinygo.org/x/bluetooth; tests supply an in-memory fake.
type Platform interface {
	Advertise(ctx context.Context, serviceUUIDs []string, characteristicUUID string) error
	StopAdvertise() error
	Scan(ctx context.Context, serviceUUIDs []string) (<-chan Discovery, error)
	StopScan() error
	Connect(ctx context.Context, deviceRef string) (Conn, error)
	WriteCharacteristic(ctx context.Context, conn Conn, data []byte) error
	SubscribeNotifications(conn Conn) (<-chan []byte, error)
	Disconnect(conn Conn) error
}

// bleHandle is the handle type connection.handle carries; Conn until bound.
type bleHandle = Conn
