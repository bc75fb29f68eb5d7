package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcourtman/pulse-cloudstack/pkg/cloudstack"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrStateExists is returned by ImportLegacy when the target store already
// holds state for the namespace.
var ErrStateExists = errors.New("state already exists for namespace")

// legacyCounterNames maps the counter names written by the fluentd plugin to
// the names emitted now.
var legacyCounterNames = map[string]string{
	"vm_sum":          "vm_count",
	"memory_sum":      "memory_bytes_sum",
	"cpu_sum":         "cpu_count_sum",
	"root_volume_sum": "root_volume_bytes_sum",
	"data_volume_sum": "data_volume_bytes_sum",
}

const legacyCreatedLayout = "2006-01-02T15:04:05-0700"

// ImportResult describes what ImportLegacy found.
type ImportResult struct {
	EventsFile  string
	UsagesFile  string
	Checkpoint  *Checkpoint
	Baseline    Baseline
	ImportedAny bool
}

// LegacyEventsPath is the fluentd plugin's checkpoint file for tag.
func LegacyEventsPath(dir, tag string) string {
	return filepath.Join(dir, "before_events."+tag+".yml")
}

func LegacyUsagesPath(dir, tag string) string {
	return filepath.Join(dir, "before_usages."+tag+".yml")
}

// ReadLegacy parses the YAML state files for tag in dir. Missing files are
// skipped.
func ReadLegacy(dir, tag string, now time.Time) (*ImportResult, error) {
	res := &ImportResult{
		EventsFile: LegacyEventsPath(dir, tag),
		UsagesFile: LegacyUsagesPath(dir, tag),
		Baseline:   Baseline{},
	}

	if data, err := readStateFile(res.EventsFile); err != nil {
		return nil, err
	} else if data != nil {
		var raw []map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", res.EventsFile, err)
		}
		if len(raw) > 0 {
			events := make([]cloudstack.Event, 0, len(raw))
			for _, m := range raw {
				events = append(events, cloudstack.Event(normalizeYAMLMap(m)))
			}
			cp := New(events, now)
			if _, err := cp.ReferenceInstant(); err != nil {
				return nil, fmt.Errorf("%s: %w", res.EventsFile, err)
			}
			res.Checkpoint = cp
		}
	}

	if data, err := readStateFile(res.UsagesFile); err != nil {
		return nil, err
	} else if data != nil {
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", res.UsagesFile, err)
		}
		for key, value := range raw {
			n, err := toInt64(value)
			if err != nil {
				return nil, fmt.Errorf("%s: counter %q: %w", res.UsagesFile, key, err)
			}
			res.Baseline[legacyCounterName(key)] = n
		}
	}

	res.ImportedAny = res.Checkpoint != nil || len(res.Baseline) > 0
	return res, nil
}

// ImportLegacy copies the fluentd plugin's state into store. It refuses to
// overwrite existing state.
func ImportLegacy(ctx context.Context, store Store, dir, tag string, now time.Time) (*ImportResult, error) {
	cp, err := store.LoadCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	b, err := store.LoadBaseline(ctx)
	if err != nil {
		return nil, err
	}
	if !IsEmpty(cp, b) {
		return nil, fmt.Errorf("%w %q", ErrStateExists, store.Namespace())
	}

	res, err := ReadLegacy(dir, tag, now)
	if err != nil {
		return nil, err
	}
	if res.Checkpoint != nil {
		if err := store.SaveCheckpoint(ctx, res.Checkpoint); err != nil {
			return nil, err
		}
	}
	if len(res.Baseline) > 0 {
		if err := store.SaveBaseline(ctx, res.Baseline); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("namespace", store.Namespace()).
		Bool("checkpoint", res.Checkpoint != nil).
		Int("counters", len(res.Baseline)).
		Msg("Imported legacy state")
	return res, nil
}

// legacyCounterName strips the YAML symbol prefix and renames fixed counters.
func legacyCounterName(key string) string {
	key = strings.TrimPrefix(key, ":")
	if renamed, ok := legacyCounterNames[key]; ok {
		return renamed
	}
	return key
}

func normalizeYAMLMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

// normalizeYAMLValue turns YAML-only shapes into values encoding/json accepts.
func normalizeYAMLValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.Format(legacyCreatedLayout)
	case map[string]any:
		return normalizeYAMLMap(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[fmt.Sprint(k)] = normalizeYAMLValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeYAMLValue(inner)
		}
		return out
	default:
		return v
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("value %v (%T) is not an integer", v, v)
	}
}

// LegacyFilesExist reports whether either legacy file is present.
func LegacyFilesExist(dir, tag string) bool {
	for _, p := range []string{LegacyEventsPath(dir, tag), LegacyUsagesPath(dir, tag)} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}
