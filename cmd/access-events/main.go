package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/projectdesk/accessq/internal/eventbus"
	"github.com/projectdesk/accessq/internal/notify"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type filter struct {
	kinds      map[notify.Kind]struct{}
	resourceID string
}

func (f filter) match(e notify.Event) bool {
	if len(f.kinds) > 0 {
		if _, ok := f.kinds[e.Kind]; !ok {
			return false
		}
	}
	return f.resourceID == "" || eventResource(e) == f.resourceID
}

func eventResource(e notify.Event) string {
	switch {
	case e.ResourceID != "":
		return e.ResourceID
	case e.Lease != nil:
		return e.Lease.ResourceID
	case e.Extension != nil:
		return e.Extension.ResourceID
	default:
		return ""
	}
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	var kinds stringListFlag
	fs := flag.NewFlagSet("access-events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	driver := fs.String("events-driver", eventbus.DriverKafka, "event bus driver: kafka|stdio")
	brokers := fs.String("events-brokers", "", "comma-separated brokers (required for kafka)")
	topic := fs.String("events-topic", eventbus.DefaultTopic, "event bus topic")
	group := fs.String("group", "", "consumer group; empty tails without committing")
	resourceID := fs.String("resource", "", "only print events for this resource")
	format := fs.String("format", "text", "output format: text|json")
	maxEvents := fs.Int("max-events", 0, "stop after printing this many events (0 = unlimited)")
	fs.Var(&kinds, "kind", "only print events of this kind (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *maxEvents < 0 {
		return errors.New("--max-events must be >= 0")
	}
	if *format != "text" && *format != "json" {
		return fmt.Errorf("--format must be text or json, got %q", *format)
	}

	f := filter{resourceID: strings.TrimSpace(*resourceID)}
	if len(kinds) > 0 {
		f.kinds = make(map[notify.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			f.kinds[notify.Kind(k)] = struct{}{}
		}
	}

	consumer, err := eventbus.NewConsumer(ctx, eventbus.ConsumerConfig{
		Driver:  *driver,
		Brokers: eventbus.SplitCommaList(*brokers),
		Group:   strings.TrimSpace(*group),
		Topic:   *topic,
		Reader:  stdin,
	})
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	printed := 0
	records := consumer.Records()
	errs := consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return fmt.Errorf("consume events: %w", err)
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			e, err := notify.Decode(rec.Value)
			if err != nil {
				fmt.Fprintf(os.Stderr, "skip record: %v\n", err)
			} else if f.match(e) {
				if err := writeEvent(stdout, *format, e); err != nil {
					return err
				}
				printed++
			}
			if err := rec.Commit(ctx); err != nil {
				return fmt.Errorf("commit record: %w", err)
			}
			if *maxEvents > 0 && printed >= *maxEvents {
				return nil
			}
		}
	}
}

func writeEvent(w io.Writer, format string, e notify.Event) error {
	if format == "json" {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	}
	_, err := fmt.Fprintln(w, formatText(e))
	return err
}

func formatText(e notify.Event) string {
	var b strings.Builder
	b.WriteString(e.At.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(string(e.Kind))
	if r := eventResource(e); r != "" {
		fmt.Fprintf(&b, " resource=%s", r)
	}
	switch {
	case e.Extension != nil:
		fmt.Fprintf(&b, " request=%s lease=%s status=%s", e.Extension.RequestID, e.Extension.LeaseID, e.Extension.Status)
	case e.Lease != nil:
		fmt.Fprintf(&b, " lease=%s holder=%s status=%s expires=%s",
			e.Lease.LeaseID, e.Lease.HolderID, e.Lease.Status, e.Lease.ExpiresAt.UTC().Format(time.RFC3339))
	case e.Queue != nil:
		fmt.Fprintf(&b, " queued=%d", e.Queue.Length)
	case e.Sweep != nil:
		fmt.Fprintf(&b, " expired=%d failed=%d", e.Sweep.ExpiredCount, len(e.Sweep.Failed))
	}
	if e.RemainingMS > 0 {
		fmt.Fprintf(&b, " remainingMs=%d", e.RemainingMS)
	}
	return b.String()
}
