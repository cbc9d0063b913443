// Package archive keeps a durable copy of every lease that reached a terminal
// status, one JSON document per lease.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/projectdesk/accessq/internal/blobstore"
	"github.com/projectdesk/accessq/internal/notify"
)

var ErrInvalidConfig = errors.New("archive: invalid config")

// Key returns the blob key of an archived lease.
func Key(resourceID, leaseID string) string {
	return "leases/" + resourceID + "/" + leaseID + ".json"
}

type Record struct {
	Version string            `json:"version"`
	EventID string            `json:"eventId"`
	Lease   *notify.LeaseView `json:"lease"`
}

// Sink archives lease.ended events; other kinds are ignored.
type Sink struct {
	store blobstore.Store
}

func NewSink(store blobstore.Store) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidConfig)
	}
	return &Sink{store: store}, nil
}

func (s *Sink) Publish(ctx context.Context, e notify.Event) error {
	if e.Kind != notify.KindLeaseEnded || e.Lease == nil {
		return nil
	}
	key := Key(e.Lease.ResourceID, e.Lease.LeaseID)
	// A lease ends once; a redelivered event must not rewrite its record.
	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("archive: check lease %s: %w", e.Lease.LeaseID, err)
	}
	if exists {
		return nil
	}
	payload, err := json.Marshal(Record{Version: notify.Version, EventID: e.ID, Lease: e.Lease})
	if err != nil {
		return fmt.Errorf("archive: marshal lease %s: %w", e.Lease.LeaseID, err)
	}
	return s.store.Put(ctx, key, payload, blobstore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"status": e.Lease.Status,
			"holder": e.Lease.HolderID,
		},
	})
}

func (s *Sink) Load(ctx context.Context, resourceID, leaseID string) (Record, error) {
	obj, err := s.store.Get(ctx, Key(resourceID, leaseID))
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(obj.Data, &r); err != nil {
		return Record{}, fmt.Errorf("archive: decode %s: %w", obj.Key, err)
	}
	return r, nil
}

// LeaseIDs lists archived lease ids of a resource in key order.
func (s *Sink) LeaseIDs(ctx context.Context, resourceID string, limit int) ([]string, error) {
	prefix := "leases/" + resourceID + "/"
	keys, err := s.store.List(ctx, prefix, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(k, prefix), ".json"))
	}
	return out, nil
}
