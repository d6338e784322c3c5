package worker_test

import (
	"testing"

	"github.com/seantiz/forge/internal/worker"
)

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := worker.NewEventBroker()
	ch, unsub := b.Subscribe("")
	defer unsub()

	statuses := []string{"leased", "dispatched", "completed"}
	for _, s := range statuses {
		b.Publish(worker.Event{LeaseID: "l1", Topic: "echo", Status: s})
	}
	b.Close()

	var got []string
	for ev := range ch {
		got = append(got, ev.Status)
	}

	if len(got) != len(statuses) {
		t.Fatalf("got %d events, want %d", len(got), len(statuses))
	}
	for i, s := range got {
		if s != statuses[i] {
			t.Errorf("event[%d].Status = %q, want %q", i, s, statuses[i])
		}
	}
}

func TestEventBrokerTopicFilter(t *testing.T) {
	b := worker.NewEventBroker()
	echo, unsubEcho := b.Subscribe("echo")
	defer unsubEcho()
	all, unsubAll := b.Subscribe("")
	defer unsubAll()

	b.Publish(worker.Event{LeaseID: "l1", Topic: "echo", Status: "leased"})
	b.Publish(worker.Event{LeaseID: "l2", Topic: "probe", Status: "leased"})
	b.Close()

	var gotEcho, gotAll []string
	for ev := range echo {
		gotEcho = append(gotEcho, ev.LeaseID)
	}
	for ev := range all {
		gotAll = append(gotAll, ev.LeaseID)
	}

	if len(gotEcho) != 1 || gotEcho[0] != "l1" {
		t.Errorf("echo subscriber got %v, want [l1]", gotEcho)
	}
	if len(gotAll) != 2 {
		t.Errorf("all subscriber got %v, want 2 events", gotAll)
	}
}

func TestEventBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := worker.NewEventBroker()
	b.Close()

	ch, unsub := b.Subscribe("")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed for a subscriber after Close()")
	}
}

func TestEventBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := worker.NewEventBroker()
	ch, unsub := b.Subscribe("")
	unsub()

	b.Publish(worker.Event{LeaseID: "l1", Status: "leased"})

	select {
	case ev := <-ch:
		t.Errorf("received %v after unsubscribe", ev)
	default:
	}
}

func TestEventBrokerDropsForSlowSubscriber(t *testing.T) {
	b := worker.NewEventBroker()
	ch, unsub := b.Subscribe("")
	defer unsub()

	// Publishing past the buffer must not block.
	for i := 0; i < 200; i++ {
		b.Publish(worker.Event{LeaseID: "l1", Status: "leased"})
	}
	b.Close()

	n := 0
	for range ch {
		n++
	}
	if n == 0 || n >= 200 {
		t.Errorf("received %d events, want between 1 and 199", n)
	}
}

func TestEventBrokerDoubleClose(t *testing.T) {
	b := worker.NewEventBroker()
	b.Subscribe("")
	b.Close()
	b.Close()
	b.Publish(worker.Event{LeaseID: "l1"})
}
