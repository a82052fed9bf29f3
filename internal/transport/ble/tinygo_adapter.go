package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinygoPlatform backs Platform with tinygo.org/x/bluetooth, giving one
// binary both the central and peripheral roles §4.8 requires on Linux
// (BlueZ), macOS (CoreBluetooth) and Windows (WinRT).
type TinygoPlatform struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	conns   map[string]*tinygoConn
	service bluetooth.UUID
	char    bluetooth.Characteristic
}

// NewTinygoPlatform enables the platform's default BLE adapter.
func NewTinygoPlatform() (*TinygoPlatform, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	return &TinygoPlatform{adapter: adapter, conns: make(map[string]*tinygoConn)}, nil
}

type tinygoConn struct {
	ref    string
	device bluetooth.Device
	char   bluetooth.DeviceCharacteristic
}

func (c *tinygoConn) Ref() string { return c.ref }

func mustParseUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("ble: invalid UUID literal %q: %v", s, err))
	}
	return uuid
}

// Advertise starts peripheral-role advertising under the given rotating
// service UUID set, exposing a single writable+notifiable characteristic.
func (p *TinygoPlatform) Advertise(ctx context.Context, serviceUUIDs []string, characteristicUUID string) error {
	if len(serviceUUIDs) == 0 {
		return fmt.Errorf("ble: advertise: no service UUIDs given")
	}
	svc := mustParseUUID(serviceUUIDs[0])
	char := mustParseUUID(characteristicUUID)

	p.mu.Lock()
	p.service = svc
	p.mu.Unlock()

	err := p.adapter.AddService(&bluetooth.Service{
		UUID: svc,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  char,
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicNotifyPermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ble: add GATT service: %w", err)
	}

	adv := p.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{ServiceUUIDs: []bluetooth.UUID{svc}}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	return adv.Start()
}

func (p *TinygoPlatform) StopAdvertise() error {
	return p.adapter.DefaultAdvertisement().Stop()
}

// Scan starts central-role scanning, emitting one Discovery per
// advertisement whose service UUID is in the current scan set.
func (p *TinygoPlatform) Scan(ctx context.Context, serviceUUIDs []string) (<-chan Discovery, error) {
	wanted := make(map[string]bool, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		wanted[mustParseUUID(s).String()] = true
	}

	out := make(chan Discovery, 32)
	go func() {
		defer close(out)
		_ = p.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			for _, uuid := range result.ServiceUUIDs() {
				if !wanted[uuid.String()] {
					continue
				}
				select {
				case out <- Discovery{
					DeviceRef:   result.Address.String(),
					ServiceUUID: uuid.String(),
					RSSI:        int(result.RSSI),
				}:
				case <-ctx.Done():
				}
				break
			}
			if ctx.Err() != nil {
				_ = adapter.StopScan()
			}
		})
	}()
	return out, nil
}

func (p *TinygoPlatform) StopScan() error {
	return p.adapter.StopScan()
}

func (p *TinygoPlatform) Connect(ctx context.Context, deviceRef string) (Conn, error) {
	addr, err := bluetooth.ParseMAC(deviceRef)
	if err != nil {
		return nil, fmt.Errorf("ble: parse device ref %q: %w", deviceRef, err)
	}
	device, err := p.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: addr}}, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("ble: connect %s: %w", deviceRef, err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{p.service})
	if err != nil || len(services) == 0 {
		return nil, fmt.Errorf("ble: discover service on %s: %w", deviceRef, err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{mustParseUUID(CharacteristicUUID)})
	if err != nil || len(chars) == 0 {
		return nil, fmt.Errorf("ble: discover characteristic on %s: %w", deviceRef, err)
	}

	c := &tinygoConn{ref: deviceRef, device: device, char: chars[0]}
	p.mu.Lock()
	p.conns[deviceRef] = c
	p.mu.Unlock()
	return c, nil
}

func (p *TinygoPlatform) WriteCharacteristic(ctx context.Context, conn Conn, data []byte) error {
	c, ok := conn.(*tinygoConn)
	if !ok {
		return fmt.Errorf("ble: write: wrong connection type")
	}
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (p *TinygoPlatform) SubscribeNotifications(conn Conn) (<-chan []byte, error) {
	c, ok := conn.(*tinygoConn)
	if !ok {
		return nil, fmt.Errorf("ble: subscribe: wrong connection type")
	}
	out := make(chan []byte, 32)
	err := c.char.EnableNotifications(func(buf []byte) {
		cp := append([]byte(nil), buf...)
		select {
		case out <- cp:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ble: enable notifications: %w", err)
	}
	return out, nil
}

func (p *TinygoPlatform) Disconnect(conn Conn) error {
	c, ok := conn.(*tinygoConn)
	if !ok {
		return fmt.Errorf("ble: disconnect: wrong connection type")
	}
	p.mu.Lock()
	delete(p.conns, c.ref)
	p.mu.Unlock()
	return c.device.Disconnect()
}

var _ Platform = (*TinygoPlatform)(nil)
