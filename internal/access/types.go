package access

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("access: invalid input")
	ErrNotFound     = errors.New("access: not found")
	ErrForbidden    = errors.New("access: forbidden")
	ErrInvalidState = errors.New("access: invalid state")
	// ErrConflict means a concurrent writer won the race for the resource.
	// Re-requesting lands the caller in the queue.
	ErrConflict = errors.New("access: conflict")
	// ErrUnavailable wraps persistence failures.
	ErrUnavailable = errors.New("access: unavailable")
)

type Role uint8

const (
	RoleUnknown Role = iota
	RoleGuest
	RoleUser
	RolePriorityUser
	RoleAdmin
	RoleSuperadmin
)

var roleNames = map[Role]string{
	RoleGuest:        "guest",
	RoleUser:         "user",
	RolePriorityUser: "priority_user",
	RoleAdmin:        "admin",
	RoleSuperadmin:   "superadmin",
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(r))
}

func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// Privileged reports whether the role may terminate other holders' leases and
// decide extension requests.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleSuperadmin
}

// ParseRole maps a role name to a Role. Unknown names are rejected rather than
// defaulted to any tier.
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "priorityuser", "priority-user":
		s = "priority_user"
	}
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

type LeaseStatus uint8

const (
	LeaseStatusUnknown LeaseStatus = iota
	LeaseStatusActive
	LeaseStatusCompleted
	LeaseStatusExpired
	LeaseStatusTerminated
)

func (s LeaseStatus) String() string {
	switch s {
	case LeaseStatusActive:
		return "active"
	case LeaseStatusCompleted:
		return "completed"
	case LeaseStatusExpired:
		return "expired"
	case LeaseStatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s LeaseStatus) Terminal() bool {
	return s == LeaseStatusCompleted || s == LeaseStatusExpired || s == LeaseStatusTerminated
}

// Lock is the free/occupied record of a single resource.
type Lock struct {
	ResourceID    string
	Free          bool
	HolderID      string
	LastGrantedAt time.Time
}

// Lease is a time-bounded exclusive grant of a resource to one holder.
type Lease struct {
	ID         string
	ResourceID string
	HolderID   string
	HolderRole Role
	Status     LeaseStatus

	StartedAt time.Time
	ExpiresAt time.Time
	Extended  bool

	// EndedAt and EndedBy are set once the lease reaches a terminal status.
	EndedAt time.Time
	EndedBy string
}

func (l Lease) Active() bool {
	return l.Status == LeaseStatusActive
}

// Remaining returns the time left before expiry, clamped at zero.
func (l Lease) Remaining(now time.Time) time.Duration {
	if !l.Active() {
		return 0
	}
	d := l.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// QueueEntry is a pending request for a resource.
type QueueEntry struct {
	ResourceID   string
	RequesterID  string
	Role         Role
	PriorityTier int
	JoinedAt     time.Time

	ExtensionRequested bool

	// Seq is assigned by the store on insert and breaks JoinedAt ties.
	Seq int64
}

type ExtensionStatus uint8

const (
	ExtensionStatusUnknown ExtensionStatus = iota
	ExtensionStatusPending
	ExtensionStatusApproved
	ExtensionStatusRejected
)

func (s ExtensionStatus) String() string {
	switch s {
	case ExtensionStatusPending:
		return "pending"
	case ExtensionStatusApproved:
		return "approved"
	case ExtensionStatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ExtensionRequest asks a privileged decider to push a lease deadline out once.
type ExtensionRequest struct {
	ID          string
	LeaseID     string
	ResourceID  string
	RequesterID string
	Status      ExtensionStatus

	RequestedAt         time.Time
	PriorLeaseExpiresAt time.Time
	RequestedDuration   time.Duration

	DecidedBy    string
	DecidedAt    time.Time
	Reason       string
	NewExpiresAt time.Time
}

// Counter is the cached active-lease count for one requester. It is derived
// from lease records and is never used to enforce an invariant.
type Counter struct {
	RequesterID  string
	Role         Role
	ActiveLeases int
	UpdatedAt    time.Time
}

func validateID(kind, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidInput, kind)
	}
	return nil
}
