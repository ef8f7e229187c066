package replay

import (
	"fmt"
	"strings"
	"time"
)

// BoundDefault selects which edge an absent bound resolves to.
type BoundDefault int

const (
	BoundDefaultMin BoundDefault = iota
	BoundDefaultMax
)

// ResolveBound parses a replay bound flag ("min", "max" or a duration
// such as "1500ms") and clamps the result into [minMs, maxMs]. An empty
// value resolves to the requested default edge.
func ResolveBound(value string, minMs, maxMs uint64, def BoundDefault) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if def == BoundDefaultMin {
			return minMs, nil
		}
		return maxMs, nil
	}
	if strings.EqualFold(trimmed, "min") {
		return minMs, nil
	}
	if strings.EqualFold(trimmed, "max") {
		return maxMs, nil
	}
	duration, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid replay bound %q: %w", value, err)
	}
	resolved := uint64(duration.Milliseconds())
	return clamp(resolved, minMs, maxMs), nil
}
