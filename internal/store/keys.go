package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/serroba/abuse/internal/abuse"
	"github.com/serroba/abuse/internal/timelimit"
)

// Namespace prefixes every key-value counter and names every counter table.
const Namespace = "abuse"

// counterKey composes the physical key-value key for a counter: "abuse:<key>:<start>".
func counterKey(key string, w timelimit.Window) string {
	return Namespace + ":" + key + ":" + strconv.FormatInt(w.Start, 10)
}

// scanPattern matches every counter key.
func scanPattern() string {
	return Namespace + ":*"
}

// parseCounterKey splits a physical key back into the counter key and window start.
// The window start is always the last segment, so keys may contain ':' themselves.
func parseCounterKey(physical string) (string, int64, error) {
	rest, ok := strings.CutPrefix(physical, Namespace+":")
	if !ok {
		return "", 0, fmt.Errorf("key %q is outside namespace %q", physical, Namespace)
	}

	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("key %q has no window segment", physical)
	}

	start, err := strconv.ParseInt(rest[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("key %q has invalid window: %w", physical, err)
	}

	return rest[:idx], start, nil
}

// keyRecords turns scanned physical keys into records without counts, skipping foreign keys.
func keyRecords(keys []string) ([]abuse.Record, map[string]string) {
	records := make([]abuse.Record, 0, len(keys))
	physical := make(map[string]string, len(keys))

	for _, k := range keys {
		key, start, err := parseCounterKey(k)
		if err != nil {
			continue
		}

		rec := abuse.Record{Key: key, Time: time.Unix(start, 0).UTC()}
		records = append(records, rec)
		physical[recordID(rec)] = k
	}

	return records, physical
}

func recordID(rec abuse.Record) string {
	return rec.Key + "\x00" + strconv.FormatInt(rec.Time.Unix(), 10)
}
