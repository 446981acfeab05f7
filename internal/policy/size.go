package policy

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var memoryUnits = map[string]int64{
	"":   1,
	"b":  1,
	"k":  1 << 10,
	"kb": 1 << 10,
	"m":  1 << 20,
	"mb": 1 << 20,
	"g":  1 << 30,
	"gb": 1 << 30,
}

// ParseMemory parses docker-style sizes such as "512m" or "1g" into bytes.
func ParseMemory(s string) (int64, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	if raw == "" {
		return 0, fmt.Errorf("empty memory limit")
	}
	i := len(raw)
	for i > 0 && (raw[i-1] < '0' || raw[i-1] > '9') {
		i--
	}
	mult, ok := memoryUnits[strings.TrimSpace(raw[i:])]
	if !ok {
		return 0, fmt.Errorf("unknown memory unit in %q", s)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw[:i]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("memory limit %q must be positive", s)
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("memory limit %q is too large", s)
	}
	return n * mult, nil
}

// ParseCPU parses a fractional CPU share such as "0.5".
func ParseCPU(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu limit %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("cpu limit %q must be finite", s)
	}
	if v <= 0 {
		return 0, fmt.Errorf("cpu limit %q must be positive", s)
	}
	return v, nil
}
