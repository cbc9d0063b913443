package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/projectdesk/accessq/internal/notify"
)

func encodeEvents(t *testing.T, events ...notify.Event) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return &buf
}

func sampleEvents() []notify.Event {
	at := time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)
	return []notify.Event{
		{
			Version: notify.Version, ID: "e1", Kind: notify.KindLeaseGranted, At: at, ResourceID: "dash-a",
			Lease: &notify.LeaseView{LeaseID: "l1", ResourceID: "dash-a", HolderID: "alice", Status: "active", ExpiresAt: at.Add(time.Minute)},
		},
		{
			Version: notify.Version, ID: "e2", Kind: notify.KindQueueUpdated, At: at, ResourceID: "dash-b",
			Queue: &notify.QueueView{Length: 2},
		},
		{
			Version: notify.Version, ID: "e3", Kind: notify.KindLeaseEnding, At: at, ResourceID: "dash-a",
			Lease:       &notify.LeaseView{LeaseID: "l1", ResourceID: "dash-a", HolderID: "alice", Status: "active", ExpiresAt: at.Add(time.Minute)},
			RemainingMS: 9000,
		},
	}
}

func TestRunMain_Text(t *testing.T) {
	t.Parallel()

	stdin := encodeEvents(t, sampleEvents()...)
	stdin.WriteString("not json\n")

	var out bytes.Buffer
	if err := runMain(context.Background(), []string{"--events-driver", "stdio"}, stdin, &out); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines: got=%d want=3 (%q)", len(lines), out.String())
	}
	if lines[0] != "2026-02-09T12:00:00Z lease.granted resource=dash-a lease=l1 holder=alice status=active expires=2026-02-09T12:01:00Z" {
		t.Fatalf("line 0: %q", lines[0])
	}
	if lines[1] != "2026-02-09T12:00:00Z queue.updated resource=dash-b queued=2" {
		t.Fatalf("line 1: %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "remainingMs=9000") {
		t.Fatalf("line 2: %q", lines[2])
	}
}

func TestRunMain_Filters(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain(context.Background(), []string{
		"--events-driver", "stdio",
		"--resource", "dash-a",
		"--kind", "lease.ending",
		"--format", "json",
	}, encodeEvents(t, sampleEvents()...), &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines: got=%d want=1", len(lines))
	}
	e, err := notify.Decode([]byte(lines[0]))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if e.ID != "e3" || e.Kind != notify.KindLeaseEnding {
		t.Fatalf("event: %+v", e)
	}
}

func TestRunMain_MaxEvents(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain(context.Background(), []string{"--events-driver", "stdio", "--max-events", "1"}, encodeEvents(t, sampleEvents()...), &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if got := strings.Count(out.String(), "\n"); got != 1 {
		t.Fatalf("lines: got=%d want=1", got)
	}
}

func TestRunMain_InvalidFlags(t *testing.T) {
	t.Parallel()

	tests := [][]string{
		{"--events-driver", "stdio", "--max-events", "-1"},
		{"--events-driver", "stdio", "--format", "yaml"},
		{"--events-driver", "stdio", "--kind", " "},
		{"--events-driver", "nats"},
	}
	for _, args := range tests {
		if err := runMain(context.Background(), args, strings.NewReader(""), &bytes.Buffer{}); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}
