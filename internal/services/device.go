package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const deviceIDSetting = "device_id"

type DeviceSettings interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// ResolveDeviceID returns the configured id, else the one stored on this
// device, else a new random id that is stored for later runs.
func ResolveDeviceID(ctx context.Context, configured string, settings DeviceSettings) (string, error) {
	if configured != "" {
		return configured, nil
	}

	stored, ok, err := settings.Setting(ctx, deviceIDSetting)
	if err != nil {
		return "", err
	}
	if ok && stored != "" {
		return stored, nil
	}

	id := uuid.NewString()
	if err := settings.SetSetting(ctx, deviceIDSetting, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
