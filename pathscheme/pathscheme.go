// Package pathscheme is the single source of truth for every object key
// the ingestor and compactor write, and the shared contract with the
// read-only viewer that sits outside this core.
package pathscheme

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kamiyn/sendgridparquetlog/model"
	"github.com/kamiyn/sendgridparquetlog/objectstore"
)

const instantLayout = "20060102150405.000"

// Kind distinguishes a raw per-batch file from a compacted per-day file.
type Kind int

const (
	KindRaw Kind = iota
	KindCompacted
)

func (k Kind) String() string {
	if k == KindCompacted {
		return "compacted"
	}
	return "raw"
}

// ParsedKey is the result of decomposing an object key written by this
// system back into its semantic components.
type ParsedKey struct {
	Day     model.PartitionKey
	Kind    Kind
	Instant time.Time
}

// formatInstant renders t as "yyyyMMddHHmmssfff", zero-padded so lexical
// key order equals chronological order.
func formatInstant(t time.Time) string {
	s := t.UTC().Format(instantLayout)
	return strings.Replace(s, ".", "", 1)
}

func parseInstant(s string) (time.Time, error) {
	if len(s) != 17 {
		return time.Time{}, fmt.Errorf("pathscheme: invalid instant %q", s)
	}
	withDot := s[:14] + "." + s[14:]
	t, err := time.ParseInLocation(instantLayout, withDot, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("pathscheme: invalid instant %q: %w", s, err)
	}
	return t, nil
}

// DayPrefix returns the "yyyy/MM/dd/" prefix rooted at the bucket for day.
func DayPrefix(day model.PartitionKey) string {
	return fmt.Sprintf("%04d/%02d/%02d/", day.Year, day.Month, day.Day)
}

// CompactedPrefix returns the "yyyy/MM/dd/compacted/" prefix for day.
func CompactedPrefix(day model.PartitionKey) string {
	return DayPrefix(day) + "compacted/"
}

// RawKey returns the key for a raw per-batch file.
func RawKey(day model.PartitionKey, ingestInstantUTC time.Time, contentHash string) string {
	return fmt.Sprintf("%s%s_%s.parquet", DayPrefix(day), formatInstant(ingestInstantUTC), contentHash)
}

// CompactedKey returns the key for a compacted per-day file.
func CompactedKey(day model.PartitionKey, ingestInstantUTC time.Time) string {
	return fmt.Sprintf("%s%s.parquet", CompactedPrefix(day), formatInstant(ingestInstantUTC))
}

// LockKey is the single well-known key backing the distributed compaction
// lock.
func LockKey() string {
	return "locks/compaction.lock"
}

// StatusKey is the single well-known key holding the last compaction run
// record.
func StatusKey() string {
	return "status/compaction-run.json"
}

// ParseKey decomposes a key produced by RawKey or CompactedKey. It returns
// an error for any other key shape (locks/, status/, or malformed paths).
func ParseKey(key string) (ParsedKey, error) {
	parts := strings.Split(key, "/")
	if len(parts) == 4 {
		return parseRaw(parts, key)
	}
	if len(parts) == 5 && parts[3] == "compacted" {
		return parseCompacted(parts, key)
	}
	return ParsedKey{}, fmt.Errorf("pathscheme: %q is not a raw or compacted key", key)
}

func parseDayParts(parts []string, key string) (model.PartitionKey, error) {
	y, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	d, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return model.PartitionKey{}, fmt.Errorf("pathscheme: invalid day prefix in %q", key)
	}
	return model.PartitionKey{Year: y, Month: m, Day: d}, nil
}

func parseRaw(parts []string, key string) (ParsedKey, error) {
	day, err := parseDayParts(parts[:3], key)
	if err != nil {
		return ParsedKey{}, err
	}
	filename := strings.TrimSuffix(parts[3], ".parquet")
	if !strings.HasSuffix(parts[3], ".parquet") {
		return ParsedKey{}, fmt.Errorf("pathscheme: %q is not a .parquet file", key)
	}
	idx := strings.IndexByte(filename, '_')
	if idx < 0 {
		return ParsedKey{}, fmt.Errorf("pathscheme: %q missing content hash", key)
	}
	instant, err := parseInstant(filename[:idx])
	if err != nil {
		return ParsedKey{}, err
	}
	return ParsedKey{Day: day, Kind: KindRaw, Instant: instant}, nil
}

func parseCompacted(parts []string, key string) (ParsedKey, error) {
	day, err := parseDayParts(parts[:3], key)
	if err != nil {
		return ParsedKey{}, err
	}
	filename := parts[4]
	if !strings.HasSuffix(filename, ".parquet") {
		return ParsedKey{}, fmt.Errorf("pathscheme: %q is not a .parquet file", key)
	}
	instant, err := parseInstant(strings.TrimSuffix(filename, ".parquet"))
	if err != nil {
		return ParsedKey{}, err
	}
	return ParsedKey{Day: day, Kind: KindCompacted, Instant: instant}, nil
}

// AllDayPrefixesBefore lists every existing "yyyy/MM/dd/" day prefix
// strictly earlier than today, by walking the store's common-prefix
// listing at depths 1 (year), 2 (month), and 3 (day). The returned days
// are in ascending order, matching the compactor's oldest-first
// processing requirement.
func AllDayPrefixesBefore(ctx context.Context, store objectstore.ObjectStore, today model.PartitionKey) ([]model.PartitionKey, error) {
	years, err := listCommonPrefixes(ctx, store, "")
	if err != nil {
		return nil, err
	}

	var days []model.PartitionKey
	for _, yearPrefix := range years {
		months, err := listCommonPrefixes(ctx, store, yearPrefix)
		if err != nil {
			return nil, err
		}
		for _, monthPrefix := range months {
			dayPrefixes, err := listCommonPrefixes(ctx, store, monthPrefix)
			if err != nil {
				return nil, err
			}
			for _, dayPrefix := range dayPrefixes {
				day, ok := parseDayPrefix(dayPrefix)
				if !ok {
					continue
				}
				if day.Before(today) {
					days = append(days, day)
				}
			}
		}
	}
	sortDays(days)
	return days, nil
}

func listCommonPrefixes(ctx context.Context, store objectstore.ObjectStore, prefix string) ([]string, error) {
	result, err := store.List(ctx, prefix, "/")
	if err != nil {
		return nil, err
	}
	return result.CommonPrefixes, nil
}

func parseDayPrefix(prefix string) (model.PartitionKey, bool) {
	parts := strings.Split(strings.TrimSuffix(prefix, "/"), "/")
	if len(parts) != 3 {
		return model.PartitionKey{}, false
	}
	day, err := parseDayParts(parts, prefix)
	if err != nil {
		return model.PartitionKey{}, false
	}
	return day, true
}

func sortDays(days []model.PartitionKey) {
	for i := 1; i < len(days); i++ {
		for j := i; j > 0 && days[j].Before(days[j-1]); j-- {
			days[j], days[j-1] = days[j-1], days[j]
		}
	}
}
