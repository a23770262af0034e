package config

import (
	"github.com/stavekit/partflow/internal/settings"
)

// Merge overlays incoming setting updates onto the existing records,
// resolving secret sentinels. Pure function: neither slice is mutated.
//
// Secret protocol: __SET__ preserves the stored value; __UNSET__ or an empty
// string clears it; anything else is stored as the new plaintext.
//
// Returns the merged records for every existing key plus any new recognized
// keys, and the list of keys whose stored value actually changes.
func Merge(existing []settings.Record, incoming []settings.Record) ([]settings.Record, []string) {
	current := make(map[string]settings.Record, len(existing))
	order := make([]string, 0, len(existing))
	for _, rec := range existing {
		current[rec.Key] = rec
		order = append(order, rec.Key)
	}

	var changed []string
	for _, in := range incoming {
		if !IsRecognized(in.Key) {
			continue
		}
		prev, exists := current[in.Key]
		value := in.Value
		if IsSecret(in.Key) {
			switch value {
			case SentinelSet:
				value = prev.Value // preserve
			case SentinelUnset, "":
				value = ""
			}
		}
		if !exists {
			order = append(order, in.Key)
		}
		if !exists || prev.Value != value {
			changed = append(changed, in.Key)
		}
		rec := prev
		rec.Key = in.Key
		rec.Value = value
		current[in.Key] = rec
	}

	merged := make([]settings.Record, 0, len(order))
	for _, key := range order {
		merged = append(merged, current[key])
	}
	return merged, changed
}
