package metrics

import "testing"

func TestCollectReflectsCounterUpdates(t *testing.T) {
	c := NewCollector()

	c.SupervisorStarted()
	c.SupervisorStarted()
	c.SupervisorStopped()
	c.SubscriberAttached()
	c.TurnStarted()
	c.TurnCompleted()
	c.TurnErrored()
	c.SlowConsumerDisconnected()

	snap := c.Collect()
	if snap.ActiveSupervisors != 1 {
		t.Fatalf("ActiveSupervisors = %d, want 1", snap.ActiveSupervisors)
	}
	if snap.ActiveWebsocketSubscribers != 1 {
		t.Fatalf("ActiveWebsocketSubscribers = %d, want 1", snap.ActiveWebsocketSubscribers)
	}
	if snap.TotalTurnsStarted != 1 || snap.TotalTurnsCompleted != 1 || snap.TotalTurnErrors != 1 {
		t.Fatalf("turn counters = %+v", snap)
	}
	if snap.SlowConsumerDisconnects != 1 {
		t.Fatalf("SlowConsumerDisconnects = %d, want 1", snap.SlowConsumerDisconnects)
	}
	if snap.Goroutines <= 0 {
		t.Fatalf("Goroutines = %d, want > 0", snap.Goroutines)
	}
}

func TestCollectorCountersNeverGoBelowZeroInPractice(t *testing.T) {
	c := NewCollector()
	c.SubscriberAttached()
	c.SubscriberDetached()
	snap := c.Collect()
	if snap.ActiveWebsocketSubscribers != 0 {
		t.Fatalf("ActiveWebsocketSubscribers = %d, want 0", snap.ActiveWebsocketSubscribers)
	}
}
