// Package notify fans access events out to observers. Delivery is best effort;
// nothing in admission depends on an event arriving.
package notify

import (
	"time"

	"github.com/projectdesk/accessq/internal/access"
)

const Version = "v1"

type Kind string

const (
	KindQueueUpdated       Kind = "queue.updated"
	KindLeaseGranted       Kind = "lease.granted"
	KindLeaseEnded         Kind = "lease.ended"
	KindLeaseEnding        Kind = "lease.ending"
	KindLockFreed          Kind = "lock.freed"
	KindExtensionRequested Kind = "extension.requested"
	KindExtensionDecided   Kind = "extension.decided"
	KindSweepCompleted     Kind = "sweep.completed"
)

// ObserversChannel receives every event; it is meant for privileged dashboards.
const ObserversChannel = "observers"

func QueueChannel(resourceID string) string { return "queue:" + resourceID }

func LeaseChannel(leaseID string) string { return "lease:" + leaseID }

type Event struct {
	Version  string    `json:"version"`
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Channels []string  `json:"channels"`
	At       time.Time `json:"at"`

	ResourceID string `json:"resourceId,omitempty"`

	Lease     *LeaseView     `json:"lease,omitempty"`
	Queue     *QueueView     `json:"queue,omitempty"`
	Extension *ExtensionView `json:"extension,omitempty"`
	Sweep     *SweepView     `json:"sweep,omitempty"`

	// RemainingMS is set on lease.ending.
	RemainingMS int64 `json:"remainingMs,omitempty"`
}

// subject is the identifier the event id is derived from.
func (e Event) subject() string {
	switch {
	case e.Extension != nil:
		return e.Extension.RequestID
	case e.Lease != nil:
		return e.Lease.LeaseID
	case e.ResourceID != "":
		return e.ResourceID
	default:
		return string(e.Kind)
	}
}

type LeaseView struct {
	LeaseID    string     `json:"leaseId"`
	ResourceID string     `json:"resourceId"`
	HolderID   string     `json:"holderId"`
	Role       string     `json:"role"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	Extended   bool       `json:"extended"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	EndedBy    string     `json:"endedBy,omitempty"`
}

func NewLeaseView(l access.Lease) *LeaseView {
	v := &LeaseView{
		LeaseID:    l.ID,
		ResourceID: l.ResourceID,
		HolderID:   l.HolderID,
		Role:       l.HolderRole.String(),
		Status:     l.Status.String(),
		StartedAt:  l.StartedAt,
		ExpiresAt:  l.ExpiresAt,
		Extended:   l.Extended,
		EndedBy:    l.EndedBy,
	}
	if !l.EndedAt.IsZero() {
		endedAt := l.EndedAt
		v.EndedAt = &endedAt
	}
	return v
}

type QueuePosition struct {
	RequesterID     string    `json:"requesterId"`
	Role            string    `json:"role"`
	Position        int       `json:"position"`
	JoinedAt        time.Time `json:"joinedAt"`
	EstimatedWaitMS int64     `json:"estimatedWaitMs"`
}

type QueueView struct {
	Length  int             `json:"length"`
	Entries []QueuePosition `json:"entries"`
}

func NewQueueView(ranked []access.RankedEntry) *QueueView {
	v := &QueueView{Length: len(ranked), Entries: make([]QueuePosition, 0, len(ranked))}
	for _, e := range ranked {
		v.Entries = append(v.Entries, QueuePosition{
			RequesterID:     e.RequesterID,
			Role:            e.Role.String(),
			Position:        e.Position,
			JoinedAt:        e.JoinedAt,
			EstimatedWaitMS: e.EstimatedWait.Milliseconds(),
		})
	}
	return v
}

type ExtensionView struct {
	RequestID           string     `json:"requestId"`
	LeaseID             string     `json:"leaseId"`
	ResourceID          string     `json:"resourceId"`
	RequesterID         string     `json:"requesterId"`
	Status              string     `json:"status"`
	RequestedAt         time.Time  `json:"requestedAt"`
	PriorLeaseExpiresAt time.Time  `json:"priorLeaseExpiresAt"`
	RequestedDurationMS int64      `json:"requestedDurationMs"`
	DecidedBy           string     `json:"decidedBy,omitempty"`
	DecidedAt           *time.Time `json:"decidedAt,omitempty"`
	Reason              string     `json:"reason,omitempty"`
	NewExpiresAt        *time.Time `json:"newExpiresAt,omitempty"`
}

func NewExtensionView(r access.ExtensionRequest) *ExtensionView {
	v := &ExtensionView{
		RequestID:           r.ID,
		LeaseID:             r.LeaseID,
		ResourceID:          r.ResourceID,
		RequesterID:         r.RequesterID,
		Status:              r.Status.String(),
		RequestedAt:         r.RequestedAt,
		PriorLeaseExpiresAt: r.PriorLeaseExpiresAt,
		RequestedDurationMS: r.RequestedDuration.Milliseconds(),
		DecidedBy:           r.DecidedBy,
		Reason:              r.Reason,
	}
	if !r.DecidedAt.IsZero() {
		t := r.DecidedAt
		v.DecidedAt = &t
	}
	if !r.NewExpiresAt.IsZero() {
		t := r.NewExpiresAt
		v.NewExpiresAt = &t
	}
	return v
}

type SweepView struct {
	ExpiredCount int      `json:"expiredCount"`
	ResourceIDs  []string `json:"resourceIds"`
	LeaseIDs     []string `json:"leaseIds"`
	Failed       []string `json:"failed,omitempty"`
}
