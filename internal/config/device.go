package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/vision-bridge/internal/detection"
)

// DefaultDevice is the identity used when no device info file is configured.
func DefaultDevice() detection.DeviceInfo {
	return detection.DeviceInfo{Name: "vision-sensor"}
}

type deviceFile struct {
	DeviceInfo detection.DeviceInfo `yaml:"device_info"`
}

// LoadDevice reads the YAML device info file:
//
//	device_info:
//	  name: line3-camera
//	  manufacturer: Cognex
//	  model: In-Sight 2000
//	  serial_number: "1A2B3C"
//
// An empty path returns DefaultDevice.
func LoadDevice(path string) (detection.DeviceInfo, error) {
	if path == "" {
		return DefaultDevice(), nil
	}

	data, err := readBounded(path, ".yaml", ".yml")
	if err != nil {
		return detection.DeviceInfo{}, err
	}

	var f deviceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return detection.DeviceInfo{}, fmt.Errorf("failed to parse device info YAML: %w", err)
	}
	if f.DeviceInfo.Name == "" {
		return detection.DeviceInfo{}, fmt.Errorf("device info %s: device_info.name is required", path)
	}
	return f.DeviceInfo, nil
}
