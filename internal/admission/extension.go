package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/projectdesk/accessq/internal/access"
	"github.com/projectdesk/accessq/internal/notify"
)

const (
	defaultRejectReason  = "no reason provided"
	inactiveRejectReason = "lease no longer active"
)

type ExtensionInput struct {
	LeaseID     string
	RequesterID string
	// Duration defaults to the holder role's extension duration when zero.
	Duration time.Duration
}

// Outcome is the result of deciding an extension request. Approved is false
// when the request was rejected, including approvals that arrived after the
// lease had ended.
type Outcome struct {
	Request  access.ExtensionRequest
	Lease    access.Lease
	Approved bool
}

// RequestExtension files a pending extension request for the caller's active
// lease. A lease is extended at most once and carries at most one pending
// request.
func (s *Service) RequestExtension(ctx context.Context, in ExtensionInput) (access.ExtensionRequest, error) {
	defer s.metrics.ObserveSince("request_extension", time.Now())

	if in.RequesterID == "" {
		return access.ExtensionRequest{}, fmt.Errorf("%w: missing requester id", access.ErrInvalidInput)
	}
	if in.Duration < 0 {
		return access.ExtensionRequest{}, fmt.Errorf("%w: extension duration must be >= 0", access.ErrInvalidInput)
	}
	snapshot, err := s.lookupLease(ctx, in.LeaseID)
	if err != nil {
		return access.ExtensionRequest{}, err
	}

	var (
		req access.ExtensionRequest
		out outbox
	)
	err = s.store.WithResource(ctx, snapshot.ResourceID, func(ctx context.Context, tx access.ResourceTx) error {
		out = nil
		l, err := tx.Lease(ctx, in.LeaseID)
		if err != nil {
			return err
		}
		if l.HolderID != in.RequesterID {
			return fmt.Errorf("%w: lease %s is held by another requester", access.ErrForbidden, l.ID)
		}
		now := s.cfg.Now()
		if !l.Active() || !now.Before(l.ExpiresAt) {
			return fmt.Errorf("%w: lease %s is not active", access.ErrInvalidState, l.ID)
		}
		if l.Extended {
			return fmt.Errorf("%w: lease %s was already extended", access.ErrInvalidState, l.ID)
		}
		if _, pending, err := tx.PendingExtension(ctx, l.ID); err != nil {
			return err
		} else if pending {
			return fmt.Errorf("%w: lease %s already has a pending extension", access.ErrInvalidState, l.ID)
		}

		d := in.Duration
		if d == 0 {
			if d, err = s.cfg.Policy.ExtensionDuration(l.HolderRole); err != nil {
				return err
			}
		}
		req = access.ExtensionRequest{
			ID:                  s.cfg.NewID(),
			LeaseID:             l.ID,
			ResourceID:          l.ResourceID,
			RequesterID:         in.RequesterID,
			Status:              access.ExtensionStatusPending,
			RequestedAt:         now,
			PriorLeaseExpiresAt: l.ExpiresAt,
			RequestedDuration:   d,
		}
		if err := tx.InsertExtension(ctx, req); err != nil {
			return err
		}
		out = append(out, notify.Event{
			Kind:       notify.KindExtensionRequested,
			Channels:   []string{notify.LeaseChannel(l.ID)},
			ResourceID: l.ResourceID,
			Extension:  notify.NewExtensionView(req),
		})
		return nil
	})
	if err != nil {
		return access.ExtensionRequest{}, err
	}
	s.metrics.Extension("requested")
	s.log.Info("extension requested", "resource", req.ResourceID, "lease", req.LeaseID, "request", req.ID, "duration", req.RequestedDuration)
	s.flush(ctx, out)
	return req, nil
}

// DecideExtension approves or rejects a pending request. Approval moves the
// lease deadline to now plus the requested duration. Deciding the same
// request twice fails with ErrInvalidState.
func (s *Service) DecideExtension(ctx context.Context, requestID string, decider Actor, approve bool, reason string) (Outcome, error) {
	defer s.metrics.ObserveSince("decide_extension", time.Now())

	if requestID == "" {
		return Outcome{}, fmt.Errorf("%w: missing extension request id", access.ErrInvalidInput)
	}
	if err := decider.validate(); err != nil {
		return Outcome{}, err
	}
	snapshot, err := s.store.GetExtension(ctx, requestID)
	if err != nil {
		return Outcome{}, err
	}
	if !decider.Role.Privileged() {
		return Outcome{}, fmt.Errorf("%w: role %s may not decide extensions", access.ErrForbidden, decider.Role)
	}
	reason = strings.TrimSpace(reason)

	var (
		res Outcome
		out outbox
	)
	err = s.store.WithResource(ctx, snapshot.ResourceID, func(ctx context.Context, tx access.ResourceTx) error {
		res, out = Outcome{}, nil
		r, err := tx.Extension(ctx, requestID)
		if err != nil {
			return err
		}
		if r.Status != access.ExtensionStatusPending {
			return fmt.Errorf("%w: extension %s is already %s", access.ErrInvalidState, r.ID, r.Status)
		}
		now := s.cfg.Now()
		r.DecidedBy = decider.ID
		r.DecidedAt = now

		l, err := tx.Lease(ctx, r.LeaseID)
		if err != nil {
			return err
		}
		switch {
		case approve && l.Active():
			l.ExpiresAt = now.Add(r.RequestedDuration)
			l.Extended = true
			if err := tx.UpdateLease(ctx, l); err != nil {
				return err
			}
			r.Status = access.ExtensionStatusApproved
			r.NewExpiresAt = l.ExpiresAt
			r.Reason = reason
			res.Approved = true
		case approve:
			r.Status = access.ExtensionStatusRejected
			r.Reason = inactiveRejectReason
		default:
			r.Status = access.ExtensionStatusRejected
			r.Reason = reason
			if r.Reason == "" {
				r.Reason = defaultRejectReason
			}
		}
		if err := tx.UpdateExtension(ctx, r); err != nil {
			return err
		}
		res.Request = r
		res.Lease = l

		ev := notify.Event{
			Kind:       notify.KindExtensionDecided,
			Channels:   []string{notify.LeaseChannel(l.ID)},
			ResourceID: l.ResourceID,
			Extension:  notify.NewExtensionView(r),
		}
		if res.Approved {
			ev.Lease = notify.NewLeaseView(l)
		}
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if res.Approved {
		s.metrics.Extension("approved")
	} else {
		s.metrics.Extension("rejected")
	}
	s.log.Info("extension decided", "request", requestID, "lease", res.Request.LeaseID, "status", res.Request.Status.String(), "by", decider.ID, "reason", res.Request.Reason)
	s.flush(ctx, out)
	return res, nil
}
