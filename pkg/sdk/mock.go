package sdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pelshome/pels/pkg/types"
)

// CapabilityWrite records one SetCapability call on the mock.
type CapabilityWrite struct {
	DeviceID   string
	Capability string
	Value      any
}

// Mock is an in-memory platform bridge for tests and local runs. Capability
// writes mutate the held device state so a steady-state loop behaves like a
// perfectly responsive fleet.
type Mock struct {
	mu             sync.Mutex
	devices        map[string]types.DeviceInfo
	writes         []CapabilityWrite
	failDevices    map[string]error
	powerHandlers  []func(ts time.Time, watts float64)
	deviceHandlers []func(deviceID string)
}

// NewMock creates an empty mock bridge.
func NewMock() *Mock {
	return &Mock{
		devices:     make(map[string]types.DeviceInfo),
		failDevices: make(map[string]error),
	}
}

// SetDevice installs or replaces a device in the fleet.
func (m *Mock) SetDevice(info types.DeviceInfo) {
	m.mu.Lock()
	m.devices[info.ID] = info
	handlers := append([]func(string){}, m.deviceHandlers...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(info.ID)
	}
}

// FailDevice makes every write to deviceID return err.
func (m *Mock) FailDevice(deviceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDevices[deviceID] = err
}

// Writes returns the recorded capability writes.
func (m *Mock) Writes() []CapabilityWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CapabilityWrite{}, m.writes...)
}

// ReportPower pushes a whole-house power sample to the registered handlers.
func (m *Mock) ReportPower(ts time.Time, watts float64) {
	m.mu.Lock()
	handlers := append([]func(time.Time, float64){}, m.powerHandlers...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(ts, watts)
	}
}

// ListDevices implements Client.
func (m *Mock) ListDevices(_ context.Context) ([]types.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.DeviceInfo, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out, nil
}

// SetCapability implements Client, mutating the held device state.
func (m *Mock) SetCapability(_ context.Context, deviceID, capability string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failDevices[deviceID]; ok {
		return err
	}
	d, ok := m.devices[deviceID]
	if !ok {
		return fmt.Errorf("unknown device: %s", deviceID)
	}
	m.writes = append(m.writes, CapabilityWrite{DeviceID: deviceID, Capability: capability, Value: value})
	switch capability {
	case types.CapabilityOnOff:
		if on, ok := value.(bool); ok {
			d.On = &on
		}
	case types.CapabilityTargetTemperature:
		if target, ok := value.(float64); ok {
			d.TargetTemperature = &target
		}
	}
	m.devices[deviceID] = d
	return nil
}

// OnPowerSample implements Client.
func (m *Mock) OnPowerSample(fn func(ts time.Time, watts float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerHandlers = append(m.powerHandlers, fn)
}

// OnDeviceChanged implements Client.
func (m *Mock) OnDeviceChanged(fn func(deviceID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceHandlers = append(m.deviceHandlers, fn)
}

// Close implements Client.
func (m *Mock) Close() error { return nil }
