package domain

import (
	"database/sql/driver"
	"fmt"
)

// Status is the lifecycle state of a Communication.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusBounced   Status = "bounced"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusQueued, StatusSending, StatusSent, StatusDelivered,
	StatusFailed, StatusBounced, StatusExpired, StatusCancelled,
}

// transitions is the forward-only lifecycle graph. failed -> queued is the retry
// edge; queued -> failed records a job that could not be enqueued.
var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusCancelled, StatusExpired},
	StatusQueued:  {StatusSending, StatusCancelled, StatusFailed},
	StatusSending: {StatusSent, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusQueued, StatusCancelled},
	StatusSent:    {StatusDelivered, StatusBounced},
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// The failed edges are only usable while a retry is armed; callers check that
// against the record (see Communication.RetryPending).
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can happen. A failed record
// is terminal unless retryPending is set.
func (s Status) IsTerminal(retryPending bool) bool {
	switch s {
	case StatusDelivered, StatusBounced, StatusCancelled, StatusExpired:
		return true
	case StatusFailed:
		return !retryPending
	}
	return false
}

// Rank orders statuses along the lifecycle so regressions can be detected.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusQueued:
		return 1
	case StatusSending:
		return 2
	case StatusSent, StatusFailed:
		return 3
	case StatusDelivered, StatusBounced:
		return 4
	case StatusExpired, StatusCancelled:
		return 5
	}
	return -1
}

// CancellableStatuses are the statuses an explicit cancel may leave from.
var CancellableStatuses = []Status{StatusPending, StatusQueued, StatusSending, StatusFailed}

func (s Status) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *Status) Scan(value interface{}) error {
	str, err := scanString(value, "Status")
	if err != nil {
		return err
	}
	*s = Status(str)
	if !s.Valid() {
		return fmt.Errorf("unknown Status value: %s", str)
	}
	return nil
}
