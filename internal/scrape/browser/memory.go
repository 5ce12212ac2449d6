package browser

import (
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// availableMemoryFunc reports available system memory in bytes
type availableMemoryFunc func() (uint64, error)

func systemAvailableMemory() (uint64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.Available, nil
}

// warnIfLowMemory logs when available memory is under minFreeMB. It never blocks a launch.
func warnIfLowMemory(available availableMemoryFunc, minFreeMB int, lang string, logger *zap.Logger) bool {
	if minFreeMB <= 0 || available == nil {
		return false
	}

	bytes, err := available()
	if err != nil {
		logger.Debug("Could not read available memory", zap.Error(err))
		return false
	}

	availableMB := bytes / (1024 * 1024)
	if availableMB >= uint64(minFreeMB) {
		return false
	}

	logger.Warn("Low memory before browser launch",
		zap.String("lang", lang),
		zap.Uint64("available_mb", availableMB),
		zap.Int("min_free_mb", minFreeMB))
	return true
}
