package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WireNotification is a notification as the API serializes it. Records
// carry read_by, read, or both depending on how they were targeted.
type WireNotification struct {
	MongoID       string          `json:"_id"`
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Message       string          `json:"message"`
	Type          string          `json:"type"`
	CreatedAt     json.RawMessage `json:"created_at"`
	Read          *bool           `json:"read"`
	ReadBy        []string        `json:"read_by"`
	UserID        string          `json:"user_id"`
	CreatedBy     string          `json:"created_by"`
	CreatedByName string          `json:"created_by_name"`
	Target        string          `json:"target"`
}

// WireListResponse is the body of GET /notifications.
type WireListResponse struct {
	Notifications []WireNotification `json:"notifications"`
	UnreadCount   int                `json:"unread_count"`
	Pages         int                `json:"pages"`
	Total         int                `json:"total"`
	Page          int                `json:"page"`
}

// Normalize converts w into a Notification for viewerID. A boolean read
// flag is folded into the reader set so the rest of the code only looks at
// ReadBy.
func (w WireNotification) Normalize(viewerID string) Notification {
	id := w.MongoID
	if id == "" {
		id = w.ID
	}

	readBy := NewReaderSet(w.ReadBy...)
	if w.Read != nil && *w.Read && viewerID != "" {
		readBy[viewerID] = struct{}{}
	}

	createdAt, _ := ParseTimestamp(w.CreatedAt)

	return Notification{
		ID:            id,
		Title:         w.Title,
		Message:       w.Message,
		Type:          ParseNotificationType(w.Type),
		CreatedAt:     createdAt,
		ReadBy:        readBy,
		UserID:        w.UserID,
		CreatedBy:     w.CreatedBy,
		CreatedByName: w.CreatedByName,
		Target:        w.Target,
	}
}

// Layouts the backend has been seen to emit. isoformat() drops the zone
// for naive UTC datetimes.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts an ISO-8601 string (zone optional, UTC assumed) or
// a JSON number of epoch seconds or milliseconds.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %s: %w", raw, err)
		}
		s = strings.TrimSpace(s)
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(n), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}

	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s: %w", raw, err)
	}
	return fromEpoch(n), nil
}

func fromEpoch(n float64) time.Time {
	// Anything past year 33658 in seconds is really milliseconds.
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
