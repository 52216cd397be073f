package config

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/common/model"
)

var durationType = reflect.TypeOf(time.Duration(0))

// durationHook decodes "6h" style strings, "7d" or "1y" calendar-ish units,
// and bare numbers as seconds.
func durationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return parseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type %T", v)
		}
	}
}

// parseDuration accepts Go durations ("1.5h", "90s"), Prometheus style
// durations with d, w and y units ("7d", "1y", "1w2d"), and bare seconds.
// A year is 365 days.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if d, err := model.ParseDuration(s); err == nil {
		return time.Duration(d), nil
	}
	if seconds, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

// byteSizeHook lets int64 fields such as reaper.max_size and
// policy.limits.max_package_size be written as "500MiB" or "50GB".
func byteSizeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		s, ok := data.(string)
		if !ok || to.Kind() != reflect.Int64 || to == durationType {
			return data, nil
		}
		return parseSize(s)
	}
}

func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}
	return int64(n), nil
}
