package app

import (
	"time"

	"fleetd/internal/config"
)

// Config is the daemon's on-disk configuration shape. Aliased so the mapXxx
// translation layer and App signatures read without the package hop.
type Config = config.Config

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}
