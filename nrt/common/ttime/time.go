package ttime

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	FORMAT_DATE_TIME = "2006-01-02 15:04:05"
	FORMAT_DATE      = "2006-01-02"
)

// TimeFormat is a local-time timestamp that marshals as "2006-01-02 15:04:05"
// and is stored the same way, so sqlite and mysql columns read back alike.
type TimeFormat struct {
	time.Time
	Format string
}

func Now() *TimeFormat { return &TimeFormat{Time: time.Now(), Format: FORMAT_DATE_TIME} }

func From(t time.Time) *TimeFormat {
	if t.IsZero() {
		return nil
	}
	return &TimeFormat{Time: t, Format: FORMAT_DATE_TIME}
}

func (m TimeFormat) layout() string {
	if m.Format == "" {
		return FORMAT_DATE_TIME
	}
	return m.Format
}

/************** JSON **************/

func (m TimeFormat) MarshalJSON() ([]byte, error) {
	if m.Time.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(m.Time.In(time.Local).Format(m.layout()))
}

func (m *TimeFormat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), "\"")
	if s == "" || s == "null" {
		*m = TimeFormat{}
		return nil
	}
	t, layout, err := parse(s)
	if err != nil {
		return fmt.Errorf("TimeFormat UnmarshalJSON: %w", err)
	}
	*m = TimeFormat{Time: t, Format: layout}
	return nil
}

/************** SQL **************/

func (m *TimeFormat) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*m = TimeFormat{}
		return nil
	case time.Time:
		*m = TimeFormat{Time: v.In(time.Local), Format: FORMAT_DATE_TIME}
		return nil
	case string:
		return m.scanString(v)
	case []byte:
		return m.scanString(string(v))
	default:
		return fmt.Errorf("TimeFormat Scan: unsupported src type %T", value)
	}
}

func (m *TimeFormat) scanString(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "0000-00-00 00:00:00" {
		*m = TimeFormat{}
		return nil
	}
	t, layout, err := parse(s)
	if err != nil {
		return fmt.Errorf("TimeFormat Scan: %w", err)
	}
	*m = TimeFormat{Time: t, Format: layout}
	return nil
}

func (m TimeFormat) Value() (driver.Value, error) {
	if m.Time.IsZero() {
		return nil, nil
	}
	return m.Time.In(time.Local).Format(m.layout()), nil
}

/************** parsing **************/

var localLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	FORMAT_DATE_TIME,
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05 MST",
}

func parse(s string) (time.Time, string, error) {
	if len(s) == len(FORMAT_DATE) && !strings.Contains(s, ":") {
		if t, err := time.ParseInLocation(FORMAT_DATE, s, time.Local); err == nil {
			return t, FORMAT_DATE, nil
		}
	}
	for _, l := range localLayouts {
		if t, err := time.ParseInLocation(l, s, time.Local); err == nil {
			return t, FORMAT_DATE_TIME, nil
		}
	}
	for _, l := range zonedLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.In(time.Local), FORMAT_DATE_TIME, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("cannot parse %q", s)
}
