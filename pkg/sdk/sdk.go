package sdk

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pelshome/pels/pkg/types"
)

// CapabilityTimeout bounds every capability write so a stuck device surfaces
// as a per-device error, never as a stall on the rebuild path.
const CapabilityTimeout = 5 * time.Second

// Client is the home-automation platform bridge: device telemetry in,
// capability writes out.
type Client interface {
	// ListDevices returns the current fleet telemetry.
	ListDevices(ctx context.Context) ([]types.DeviceInfo, error)

	// SetCapability writes one capability value on one device.
	SetCapability(ctx context.Context, deviceID, capability string, value any) error

	// OnPowerSample registers fn for whole-house power samples (watts).
	OnPowerSample(fn func(ts time.Time, watts float64))

	// OnDeviceChanged registers fn for device telemetry updates.
	OnDeviceChanged(fn func(deviceID string))

	// Lifecycle
	Close() error
}

// Configured sets up the platform bridge based on flags.
func Configured() Client {
	provider := lflag.String("sdk-provider", "mqtt", "Platform bridge to use (available: mqtt, mock)")

	var c struct{ Client }

	m := configuredMQTT()

	lflag.Do(func() {
		switch *provider {
		case "mqtt":
			if err := m.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("mqtt init failed: %v", err))
			}
			c.Client = m
		case "mock":
			c.Client = NewMock()
		default:
			panic(fmt.Sprintf("unknown sdk provider: %s", *provider))
		}
	})

	return &c
}
