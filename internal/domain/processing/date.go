package processing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar date field as the repository sends it: either a bare
// date ("2024-01-15", read as UTC midnight) or an RFC 3339 timestamp. Null
// and empty strings decode to the zero value.
type Date struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, dateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			*d = Date{Time: t}
			return nil
		}
	}
	return fmt.Errorf("invalid date %q: want %s or RFC 3339", s, dateLayout)
}

// MarshalJSON writes UTC midnights as bare dates and anything else as
// RFC 3339.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	if d.Location() == time.UTC && d.Equal(d.Truncate(24*time.Hour)) {
		return json.Marshal(d.Format(dateLayout))
	}
	return json.Marshal(d.Format(time.RFC3339Nano))
}
