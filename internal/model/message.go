package model

import "time"

type Status string

const (
	Pending   Status = "pending"
	Claimed   Status = "claimed"
	Sent      Status = "sent"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case Sent, Failed, Cancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case Pending, Claimed, Sent, Failed, Cancelled:
		return true
	}
	return false
}

type ScheduledMessage struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenantId"`
	Recipient        string     `json:"recipient"`
	Content          string     `json:"content"`
	MediaURLs        []string   `json:"mediaUrls,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	FireAt           time.Time  `json:"fireAt"`
	TimeZone         string     `json:"timeZone,omitempty"`
	CancelOnResponse bool       `json:"cancelOnResponse"`
	Status           Status     `json:"status"`
	CreditsUsed      int        `json:"creditsUsed"`
	AttemptedAt      *time.Time `json:"attemptedAt,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`
	RemoteMessageID  string     `json:"remoteMessageId,omitempty"`
}

func (m ScheduledMessage) HasMedia() bool {
	return len(m.MediaURLs) > 0
}

// Resolution is the outcome written when a claimed record reaches sent or failed.
type Resolution struct {
	ID              string
	Status          Status
	CreditsUsed     int
	ResolvedAt      time.Time
	FailureReason   string
	RemoteMessageID string
}

// InboundEvent is a message received from a contact.
type InboundEvent struct {
	TenantID   string    `json:"tenantId"`
	Recipient  string    `json:"recipient"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Window bounds a fireAt range. A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// Cursor is a keyset position in (fireAt, createdAt, id) order.
type Cursor struct {
	FireAt    time.Time
	CreatedAt time.Time
	ID        string
}

func (c Cursor) IsZero() bool {
	return c.ID == ""
}

// After reports whether m sorts strictly after c.
func (c Cursor) After(m ScheduledMessage) bool {
	if c.IsZero() {
		return true
	}
	if !m.FireAt.Equal(c.FireAt) {
		return m.FireAt.After(c.FireAt)
	}
	if !m.CreatedAt.Equal(c.CreatedAt) {
		return m.CreatedAt.After(c.CreatedAt)
	}
	return m.ID > c.ID
}

func CursorOf(m ScheduledMessage) Cursor {
	return Cursor{FireAt: m.FireAt, CreatedAt: m.CreatedAt, ID: m.ID}
}
