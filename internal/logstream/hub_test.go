package logstream

import (
	"testing"
	"time"
)

func TestHub_PublishAndSnapshot(t *testing.T) {
	hub := NewHub(10, nil)
	hub.Publish(Event{Message: "first", Ticket: 1})
	hub.Publish(Event{Message: "second", Ticket: 2})

	all := hub.Snapshot(Filter{})
	if len(all) != 2 {
		t.Fatalf("Snapshot() returned %d events, want 2", len(all))
	}
	if all[0].Message != "first" || all[1].Message != "second" {
		t.Errorf("Snapshot() out of order: %+v", all)
	}
}

func TestHub_EvictsOldestWhenFull(t *testing.T) {
	hub := NewHub(2, nil)
	hub.Publish(Event{Message: "one"})
	hub.Publish(Event{Message: "two"})
	hub.Publish(Event{Message: "three"})

	all := hub.Snapshot(Filter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 events after eviction, got %d", len(all))
	}
	if all[0].Message != "two" || all[1].Message != "three" {
		t.Errorf("expected [two three], got %+v", all)
	}
}

func TestHub_SnapshotFilterByTicket(t *testing.T) {
	hub := NewHub(10, nil)
	hub.Publish(Event{Message: "a", Ticket: 1})
	hub.Publish(Event{Message: "b", Ticket: 2})
	hub.Publish(Event{Message: "c", Ticket: 1})

	got := hub.Snapshot(Filter{Ticket: 1})
	if len(got) != 2 {
		t.Fatalf("expected 2 events for ticket 1, got %d", len(got))
	}
}

func TestHub_SnapshotMostRecentK(t *testing.T) {
	hub := NewHub(10, nil)
	for i := 0; i < 5; i++ {
		hub.Publish(Event{Message: "x"})
	}
	got := hub.Snapshot(Filter{MostRecentK: 2})
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
}

func TestHub_SubscribeReceivesInitFrameThenFutureEvents(t *testing.T) {
	hub := NewHub(10, nil)
	hub.Publish(Event{Message: "before-subscribe"})

	sub := hub.Subscribe(Filter{})
	defer sub.Close()

	select {
	case e := <-sub.Events:
		if e.Message != "before-subscribe" {
			t.Errorf("init frame = %q, want before-subscribe", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for init frame")
	}

	hub.Publish(Event{Message: "after-subscribe"})
	select {
	case e := <-sub.Events:
		if e.Message != "after-subscribe" {
			t.Errorf("streamed event = %q, want after-subscribe", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for streamed event")
	}
}

func TestHub_SubscribeAppliesFilter(t *testing.T) {
	hub := NewHub(10, nil)
	sub := hub.Subscribe(Filter{Agent: "sculptor"})
	defer sub.Close()

	hub.Publish(Event{Message: "ignored", Agent: "sentinel"})
	hub.Publish(Event{Message: "wanted", Agent: "sculptor"})

	select {
	case e := <-sub.Events:
		if e.Message != "wanted" {
			t.Errorf("got %q, want wanted (filtered agent)", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(10, nil)
	sub := hub.Subscribe(Filter{})
	sub.Close()

	if hub.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", hub.SubscriberCount())
	}
	if _, ok := <-sub.Events; ok {
		t.Error("expected Events channel to be closed")
	}
}

func TestHub_DropsSlowSubscriberWithoutBlockingPublish(t *testing.T) {
	hub := NewHub(10, nil)
	sub := hub.Subscribe(Filter{})

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(Event{Message: "flood"})
	}

	if hub.SubscriberCount() != 0 {
		t.Error("expected slow subscriber to be dropped")
	}
	_ = sub
}
