// Package model defines the email-event record decoded from a SendGrid
// webhook batch and the calendar-day partition key derived from it.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JST is Japan Standard Time, UTC+9, no daylight saving. All partitioning,
// file naming, and compaction eligibility use the day-in-JST; the event
// itself keeps the original unix-seconds timestamp.
var JST = time.FixedZone("JST", 9*60*60)

// Event is one delivered notification from the webhook batch. Every
// top-level field outside the fixed schema is kept in CustomArgs (values
// flattened to strings), which is where the caller-supplied custom-arg keys
// SendGrid passes through on every event type end up; nothing is discarded.
type Event struct {
	EventType   string            `json:"event"`
	Email       string            `json:"email"`
	Timestamp   int64             `json:"timestamp"`
	SGEventID   string            `json:"sg_event_id"`
	SGMessageID string            `json:"sg_message_id"`
	Category    []string          `json:"-"`
	URL         *string           `json:"url,omitempty"`
	Reason      *string           `json:"reason,omitempty"`
	Status      *string           `json:"status,omitempty"`
	Response    *string           `json:"response,omitempty"`
	IP          *string           `json:"ip,omitempty"`
	UserAgent   *string           `json:"useragent,omitempty"`
	Attempt     *string           `json:"attempt,omitempty"`
	CustomArgs  map[string]string `json:"-"`
}

// rawEvent mirrors the wire shape before category/custom-arg normalization.
// category arrives as either a bare string or a JSON array of strings;
// everything else recognized by the fixed schema is a plain field.
type rawEvent struct {
	EventType   string          `json:"event"`
	Email       string          `json:"email"`
	Timestamp   int64           `json:"timestamp"`
	SGEventID   string          `json:"sg_event_id"`
	SGMessageID string          `json:"sg_message_id"`
	Category    json.RawMessage `json:"category"`
	URL         *string         `json:"url"`
	Reason      *string         `json:"reason"`
	Status      *string         `json:"status"`
	Response    *string         `json:"response"`
	IP          *string         `json:"ip"`
	UserAgent   *string         `json:"useragent"`
	Attempt     *string         `json:"attempt"`
}

// recognizedFields are the fixed schema's top-level keys; everything else
// found in the object is collected into CustomArgs.
var recognizedFields = map[string]bool{
	"event": true, "email": true, "timestamp": true,
	"sg_event_id": true, "sg_message_id": true, "category": true,
	"url": true, "reason": true, "status": true, "response": true,
	"ip": true, "useragent": true, "attempt": true,
}

// UnmarshalJSON normalizes category to a string slice (promoting a single
// JSON string to a one-element list) and collects unrecognized keys as
// custom args.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{
		EventType:   raw.EventType,
		Email:       raw.Email,
		Timestamp:   raw.Timestamp,
		SGEventID:   raw.SGEventID,
		SGMessageID: raw.SGMessageID,
		URL:         raw.URL,
		Reason:      raw.Reason,
		Status:      raw.Status,
		Response:    raw.Response,
		IP:          raw.IP,
		UserAgent:   raw.UserAgent,
		Attempt:     raw.Attempt,
	}

	if len(raw.Category) > 0 {
		cat, err := decodeCategory(raw.Category)
		if err != nil {
			return fmt.Errorf("decode category: %w", err)
		}
		e.Category = cat
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	custom := make(map[string]string)
	for k, v := range generic {
		if recognizedFields[k] {
			continue
		}
		custom[k] = flattenRawValue(v)
	}
	if len(custom) > 0 {
		e.CustomArgs = custom
	}
	return nil
}

func decodeCategory(raw json.RawMessage) ([]string, error) {
	var asSlice []string
	if err := json.Unmarshal(raw, &asSlice); err == nil {
		return asSlice, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return nil, err
	}
	return []string{asString}, nil
}

func flattenRawValue(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// PartitionKey is a calendar date (year, month, day) derived from an
// event's timestamp interpreted in JST.
type PartitionKey struct {
	Year  int
	Month int
	Day   int
}

// PartitionKeyFor returns the JST calendar day containing unixSeconds.
func PartitionKeyFor(unixSeconds int64) PartitionKey {
	t := time.Unix(unixSeconds, 0).In(JST)
	y, m, d := t.Date()
	return PartitionKey{Year: y, Month: int(m), Day: d}
}

// Before reports whether k is strictly earlier than other.
func (k PartitionKey) Before(other PartitionKey) bool {
	if k.Year != other.Year {
		return k.Year < other.Year
	}
	if k.Month != other.Month {
		return k.Month < other.Month
	}
	return k.Day < other.Day
}

// String renders the partition key as "yyyy/MM/dd".
func (k PartitionKey) String() string {
	return fmt.Sprintf("%04d/%02d/%02d", k.Year, k.Month, k.Day)
}

// TodayJST returns the current JST calendar day for the given instant.
func TodayJST(now time.Time) PartitionKey {
	t := now.In(JST)
	y, m, d := t.Date()
	return PartitionKey{Year: y, Month: int(m), Day: d}
}

// GroupByDay groups events by their JST partition day, preserving the
// original order of events within each group and returning groups in
// ascending day order.
func GroupByDay(events []Event) []DayGroup {
	index := make(map[PartitionKey]int)
	var groups []DayGroup
	for _, ev := range events {
		day := PartitionKeyFor(ev.Timestamp)
		if i, ok := index[day]; ok {
			groups[i].Events = append(groups[i].Events, ev)
			continue
		}
		index[day] = len(groups)
		groups = append(groups, DayGroup{Day: day, Events: []Event{ev}})
	}
	sortDayGroups(groups)
	return groups
}

// DayGroup is a set of events that all fall on the same JST partition day.
type DayGroup struct {
	Day    PartitionKey
	Events []Event
}

func sortDayGroups(groups []DayGroup) {
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && groups[j].Day.Before(groups[j-1].Day); j-- {
			groups[j], groups[j-1] = groups[j-1], groups[j]
		}
	}
}
