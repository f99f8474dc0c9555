package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStorage struct {
	events []Event
	err    error
}

func (f *fakeStorage) StoreEvent(ctx context.Context, e Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

type fakeBus struct {
	published []Notification
	err       error
}

func (f *fakeBus) Publish(ctx context.Context, n Notification) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, n)
	return nil
}

func TestDispatcher_StoresAndTracksInferenceEvent(t *testing.T) {
	storage := &fakeStorage{}
	bus := &fakeBus{}
	d := NewDispatcher(storage, NewTokenTracker(), nil, bus, nil)

	d.Dispatch(context.Background(), Event{
		Domain: "acme", RequestID: "r1", Type: "inference", Status: "ok",
		InputTokens: 10, OutputTokens: 5, LastUserText: "hello", Timestamp: time.Now(),
	})

	if len(storage.events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(storage.events))
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected 1 published notification, got %d", len(bus.published))
	}
	totals := d.Tokens.Totals()
	if len(totals) != 1 || totals[0].InputTokens != 10 {
		t.Fatalf("expected token tracker to record the event, got %+v", totals)
	}
}

func TestDispatcher_SkipsStorageForQueryEvaluationAndQuota(t *testing.T) {
	storage := &fakeStorage{}
	d := NewDispatcher(storage, NewTokenTracker(), nil, nil, nil)

	d.Dispatch(context.Background(), Event{Domain: "acme", Type: "query_evaluation", Timestamp: time.Now()})
	d.Dispatch(context.Background(), Event{Domain: "acme", Type: "quota", Timestamp: time.Now()})

	if len(storage.events) != 0 {
		t.Fatalf("expected no stored events for query_evaluation/quota, got %d", len(storage.events))
	}
	// still tracked in the token tracker
	totals := d.Tokens.Totals()
	if len(totals) != 1 {
		t.Fatalf("expected domain still tracked, got %+v", totals)
	}
}

func TestDispatcher_SuppressesRepeatedNotification(t *testing.T) {
	bus := &fakeBus{}
	d := NewDispatcher(&fakeStorage{}, NewTokenTracker(), nil, bus, nil)

	ev := Event{Domain: "acme", RequestID: "r1", Type: "inference", LastUserText: "same text", Timestamp: time.Now()}
	d.Dispatch(context.Background(), ev)
	ev.RequestID = "r2"
	d.Dispatch(context.Background(), ev)

	if len(bus.published) != 1 {
		t.Fatalf("expected repeated identical user text to be suppressed, got %d publishes", len(bus.published))
	}
}

func TestDispatcher_StorageAndBusErrorsDoNotPanic(t *testing.T) {
	storage := &fakeStorage{err: errors.New("boom")}
	bus := &fakeBus{err: errors.New("boom")}
	d := NewDispatcher(storage, NewTokenTracker(), nil, bus, nil)

	d.Dispatch(context.Background(), Event{Domain: "acme", Type: "inference", Timestamp: time.Now()})
	// no assertion beyond "did not panic" — errors must be logged and swallowed.
}
