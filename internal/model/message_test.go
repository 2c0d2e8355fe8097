package model

import (
	"testing"
	"time"
)

func TestKeyPrefersLocalID(t *testing.T) {
	m := &Message{ID: "srv-1", LocalID: "l1"}
	if m.Key() != "l1" {
		t.Errorf("Key() = %q, want l1", m.Key())
	}
	m.LocalID = ""
	if m.Key() != "srv-1" {
		t.Errorf("Key() = %q, want srv-1", m.Key())
	}
}

func TestConfirmed(t *testing.T) {
	cases := []struct {
		id, localID string
		want        bool
	}{
		{"", "l1", false},
		{"l1", "l1", false},
		{"srv-1", "l1", true},
		{"srv-1", "", true},
	}
	for _, c := range cases {
		m := &Message{ID: c.id, LocalID: c.localID}
		if m.Confirmed() != c.want {
			t.Errorf("Confirmed() with id=%q local=%q = %v, want %v", c.id, c.localID, m.Confirmed(), c.want)
		}
	}
}

func TestStatusRankOrdering(t *testing.T) {
	order := []Status{StatusSending, StatusQueued, StatusFailed, StatusSent, StatusDelivered, StatusRead}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s rank %d not below %s rank %d", order[i-1], order[i-1].Rank(), order[i], order[i].Rank())
		}
	}
}

func TestDueBackoffDoubles(t *testing.T) {
	now := time.Now()
	q := &QueuedMessage{LocalID: "l1", LastAttemptAt: now.UnixMilli()}

	if !q.Due(now) {
		t.Error("fresh entry not due")
	}

	q.RetryCount = 1
	if q.Due(now.Add(time.Second)) {
		t.Error("due 1s after first failure, want 2s backoff")
	}
	if !q.Due(now.Add(3 * time.Second)) {
		t.Error("not due 3s after first failure")
	}

	q.RetryCount = 2
	if q.Due(now.Add(3 * time.Second)) {
		t.Error("due 3s after second failure, want 4s backoff")
	}
	if !q.Due(now.Add(5 * time.Second)) {
		t.Error("not due 5s after second failure")
	}
}

func TestNewLocalIDsAreTimeOrdered(t *testing.T) {
	a := NewLocalID()
	time.Sleep(2 * time.Millisecond)
	b := NewLocalID()
	if !(a < b) {
		t.Errorf("ids not lexicographically ordered by creation time: %s then %s", a, b)
	}
}

func TestAddToSetIsIdempotent(t *testing.T) {
	set := AddToSet(nil, "a")
	set = AddToSet(set, "a")
	set = AddToSet(set, "b")
	if len(set) != 2 {
		t.Errorf("set = %v, want [a b]", set)
	}
}
