package core

import (
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/schedule"
)

type Status string

const (
	StatusScheduled    Status = "scheduled"
	StatusDelivered    Status = "delivered"
	StatusNotDelivered Status = "not_delivered"
	StatusCancelled    Status = "cancelled"
)

// Open reports whether an attempt in this status still waits on its job.
func (s Status) Open() bool { return s == StatusScheduled }

type Campaign struct {
	ID              int64               `json:"id"`
	WindowStart     time.Time           `json:"window_start"`
	WindowEnd       time.Time           `json:"window_end"`
	DailyStart      *schedule.TimeOfDay `json:"daily_start,omitempty"`
	DailyEnd        *schedule.TimeOfDay `json:"daily_end,omitempty"`
	RecipientFilter []string            `json:"recipient_filter"`
	Body            string              `json:"body"`
	AudienceSize    int                 `json:"audience_size"`
	Counters        Counters            `json:"counters"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Window returns the delivery bounds used by the resolver.
func (c *Campaign) Window() schedule.Window {
	w := schedule.Window{Start: c.WindowStart, End: c.WindowEnd}
	if c.DailyStart != nil && c.DailyEnd != nil {
		w.Daily = &schedule.Daily{Start: *c.DailyStart, End: *c.DailyEnd}
	}
	return w
}

// Editable reports whether the campaign may still be edited or deleted at now.
func (c *Campaign) Editable(now time.Time) bool { return !now.After(c.WindowStart) }

// Counters is the per-campaign summary of attempts by status.
type Counters struct {
	Scheduled    int `json:"scheduled"`
	Delivered    int `json:"delivered"`
	NotDelivered int `json:"not_delivered"`
	Cancelled    int `json:"cancelled"`
}

func (c *Counters) Add(s Status, n int) {
	switch s {
	case StatusScheduled:
		c.Scheduled += n
	case StatusDelivered:
		c.Delivered += n
	case StatusNotDelivered:
		c.NotDelivered += n
	case StatusCancelled:
		c.Cancelled += n
	}
}

func (c Counters) Total() int { return c.Scheduled + c.Delivered + c.NotDelivered + c.Cancelled }

type Recipient struct {
	ID          int64     `json:"id"`
	Address     string    `json:"address"`
	DerivedCode string    `json:"derived_code"`
	Tags        []string  `json:"tags"`
	Timezone    string    `json:"timezone"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeriveCode returns the operator code embedded in an address: the three
// digits following the country prefix.
func DeriveCode(address string) string {
	if len(address) < 4 {
		return ""
	}
	return address[1:4]
}

// Location resolves the recipient timezone, falling back to UTC for an
// empty or unknown name.
func (r *Recipient) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Attempt is one delivery of a campaign body to one recipient.
type Attempt struct {
	ID            int64     `json:"id"`
	Status        Status    `json:"status"`
	CampaignID    *int64    `json:"campaign_id,omitempty"`
	RecipientID   int64     `json:"recipient_id"`
	JobHandle     *string   `json:"job_handle,omitempty"`
	SendAt        time.Time `json:"send_at"`
	PredecessorID *int64    `json:"predecessor_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Outcome is what the transport reports for one attempt.
type Outcome struct {
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000
)

// Page bounds a listing.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default limit and clamps out-of-range values.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// RollupRow is one (campaign, status) bucket of the daily statistics.
type RollupRow struct {
	CampaignID *int64
	Status     Status
	Count      int
}
