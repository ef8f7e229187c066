package run

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/strest-io/strest/internal/log"
)

// Cleanup removes leftover metrics shard logs under the tmp path and
// reports how many files were deleted.
func Cleanup(tmpPath string) (int, error) {
	entries, err := os.ReadDir(tmpPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read tmp directory %s: %w", tmpPath, err)
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "metrics-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		path := filepath.Join(tmpPath, name)
		if err := os.Remove(path); err != nil {
			log.GetLogger().WithError(err).Warnf("failed to remove %s", path)
			continue
		}
		removed++
	}
	return removed, nil
}
