package access

import (
	"fmt"
	"time"
)

const (
	DefaultGuestLeaseDuration      = 60 * time.Second
	DefaultGuestExtensionDuration  = 30 * time.Second
	DefaultMemberLeaseDuration     = 5 * time.Minute
	DefaultMemberExtensionDuration = 5 * time.Minute
)

// RolePolicy is the admission behavior attached to one role.
type RolePolicy struct {
	// PriorityTier orders the queue; lower is served first.
	PriorityTier      int
	LeaseDuration     time.Duration
	ExtensionDuration time.Duration
	// MaxActiveLeases caps concurrent active leases across all resources for a
	// requester with this role. Zero disables the cap.
	MaxActiveLeases int
}

// Policy is the single role table consulted for priority and durations.
type Policy map[Role]RolePolicy

func DefaultPolicy() Policy {
	return Policy{
		RoleSuperadmin:   {PriorityTier: 1, LeaseDuration: DefaultMemberLeaseDuration, ExtensionDuration: DefaultMemberExtensionDuration},
		RoleAdmin:        {PriorityTier: 2, LeaseDuration: DefaultMemberLeaseDuration, ExtensionDuration: DefaultMemberExtensionDuration},
		RoleUser:         {PriorityTier: 3, LeaseDuration: DefaultMemberLeaseDuration, ExtensionDuration: DefaultMemberExtensionDuration},
		RolePriorityUser: {PriorityTier: 4, LeaseDuration: DefaultMemberLeaseDuration, ExtensionDuration: DefaultMemberExtensionDuration},
		RoleGuest:        {PriorityTier: 5, LeaseDuration: DefaultGuestLeaseDuration, ExtensionDuration: DefaultGuestExtensionDuration},
	}
}

// Validate requires an entry for every known role with positive durations.
func (p Policy) Validate() error {
	for r := range roleNames {
		rp, ok := p[r]
		if !ok {
			return fmt.Errorf("%w: policy missing role %s", ErrInvalidInput, r)
		}
		if rp.LeaseDuration <= 0 || rp.ExtensionDuration <= 0 {
			return fmt.Errorf("%w: policy durations for %s must be > 0", ErrInvalidInput, r)
		}
		if rp.MaxActiveLeases < 0 {
			return fmt.Errorf("%w: policy max active leases for %s must be >= 0", ErrInvalidInput, r)
		}
	}
	return nil
}

func (p Policy) lookup(r Role) (RolePolicy, error) {
	rp, ok := p[r]
	if !ok {
		return RolePolicy{}, fmt.Errorf("%w: no policy for role %s", ErrInvalidInput, r)
	}
	return rp, nil
}

func (p Policy) PriorityTier(r Role) (int, error) {
	rp, err := p.lookup(r)
	if err != nil {
		return 0, err
	}
	return rp.PriorityTier, nil
}

func (p Policy) LeaseDuration(r Role) (time.Duration, error) {
	rp, err := p.lookup(r)
	if err != nil {
		return 0, err
	}
	return rp.LeaseDuration, nil
}

func (p Policy) ExtensionDuration(r Role) (time.Duration, error) {
	rp, err := p.lookup(r)
	if err != nil {
		return 0, err
	}
	return rp.ExtensionDuration, nil
}

func (p Policy) MaxActiveLeases(r Role) int {
	return p[r].MaxActiveLeases
}
