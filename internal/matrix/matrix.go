// Package matrix expands a job's matrix declaration into the concrete
// set of job instances to run.
//
// Expansion is the cross-product of the declared axes, adjusted by the
// exclude list (removes matching combinations) and the include list
// (extends matching combinations with extra keys, or appends new ones).
// Axis values are stringified once here so that environment injection,
// ${{ matrix.* }} interpolation, and display names all agree on the
// textual form of a value.
package matrix

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxEntries caps how many instances a single job's matrix may expand
// to. Larger matrices are almost always a configuration mistake on a
// single-host runner.
const MaxEntries = 64

// Entry is one expanded matrix combination.
type Entry struct {
	// Values maps axis names to this combination's stringified values.
	Values map[string]string `json:"values"`
}

// Expand computes the job instances for a matrix declaration.
//
// The cross-product iterates axes in sorted name order with values in
// declaration order, so the result is deterministic across runs.
// Exclude entries remove any combination whose values match all of the
// entry's keys. Include entries whose axis keys match existing
// combinations extend those combinations with their remaining keys;
// include entries that match nothing (or declare no axis keys at all
// when no axes exist) are appended as standalone combinations.
//
// Returns an error when the expansion exceeds MaxEntries or removes
// every combination.
func Expand(axes map[string][]interface{}, include, exclude []map[string]interface{}) ([]Entry, error) {
	axisNames := make([]string, 0, len(axes))
	for name := range axes {
		axisNames = append(axisNames, name)
	}
	sort.Strings(axisNames)

	// Step 1: Cross-product of the declared axes.
	var combos []map[string]string
	if len(axisNames) > 0 {
		combos = []map[string]string{{}}
		for _, axis := range axisNames {
			values := axes[axis]
			next := make([]map[string]string, 0, len(combos)*len(values))
			for _, combo := range combos {
				for _, value := range values {
					extended := make(map[string]string, len(combo)+1)
					for k, v := range combo {
						extended[k] = v
					}
					extended[axis] = Stringify(value)
					next = append(next, extended)
				}
			}
			combos = next
			if len(combos) > MaxEntries {
				return nil, fmt.Errorf("matrix expands to more than %d entries", MaxEntries)
			}
		}
	}

	// Step 2: Apply excludes. A combination is removed when every key
	// of an exclude entry matches its value.
	if len(exclude) > 0 {
		kept := combos[:0]
		for _, combo := range combos {
			if !excluded(combo, exclude) {
				kept = append(kept, combo)
			}
		}
		combos = kept
	}

	// Step 3: Apply includes.
	for _, inc := range include {
		sharedAxes := make(map[string]string)
		extra := make(map[string]string)
		for key, value := range inc {
			if _, isAxis := axes[key]; isAxis {
				sharedAxes[key] = Stringify(value)
			} else {
				extra[key] = Stringify(value)
			}
		}

		switch {
		case len(sharedAxes) > 0:
			matched := false
			for _, combo := range combos {
				if matchesAll(combo, sharedAxes) {
					for k, v := range extra {
						combo[k] = v
					}
					matched = true
				}
			}
			if !matched {
				// A new combination of axis values: append it whole.
				combo := make(map[string]string, len(inc))
				for k, v := range sharedAxes {
					combo[k] = v
				}
				for k, v := range extra {
					combo[k] = v
				}
				combos = append(combos, combo)
			}

		case len(combos) == 0:
			// Include-only matrix: each entry is its own combination.
			combo := make(map[string]string, len(extra))
			for k, v := range extra {
				combo[k] = v
			}
			combos = append(combos, combo)

		default:
			// No axis keys: the extras apply to every combination.
			for _, combo := range combos {
				for k, v := range extra {
					combo[k] = v
				}
			}
		}

		if len(combos) > MaxEntries {
			return nil, fmt.Errorf("matrix expands to more than %d entries", MaxEntries)
		}
	}

	if len(combos) == 0 {
		return nil, fmt.Errorf("matrix produced no entries (every combination was excluded)")
	}

	entries := make([]Entry, 0, len(combos))
	for _, combo := range combos {
		entries = append(entries, Entry{Values: combo})
	}
	return entries, nil
}

// excluded reports whether a combination matches any exclude entry.
func excluded(combo map[string]string, exclude []map[string]interface{}) bool {
	for _, entry := range exclude {
		if len(entry) == 0 {
			continue
		}
		match := true
		for key, value := range entry {
			if combo[key] != Stringify(value) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// matchesAll reports whether a combination carries every given
// key/value pair.
func matchesAll(combo map[string]string, pairs map[string]string) bool {
	for key, value := range pairs {
		if combo[key] != value {
			return false
		}
	}
	return true
}

// Stringify renders a YAML scalar value the way it should appear in
// environment variables, interpolation, and display names. Floats use
// the shortest representation that round-trips, so 3.9 stays "3.9";
// values whose textual form matters exactly (like "3.10") should be
// quoted in the workflow file.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// DisplayName decorates a job name with an entry's values in sorted
// key order: "test" plus {python-version: 3.10} becomes "test (3.10)".
// An entry with no values returns the job name unchanged.
func DisplayName(job string, values map[string]string) string {
	if len(values) == 0 {
		return job
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, values[key])
	}
	return fmt.Sprintf("%s (%s)", job, strings.Join(parts, ", "))
}
