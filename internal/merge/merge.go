// Package merge reconciles locally-optimistic, cached, and remote message
// views into one deduplicated, time-ordered list. All functions are pure and
// independent of the relative arrival order of their inputs.
package merge

import (
	"sort"

	"github.com/knotchat/knot/internal/model"
)

// Merge combines two message lists into one deduplicated list sorted
// ascending by timestamp. For colliding identity keys the server-confirmed
// copy beats the optimistic stand-in; between two copies of the same kind the
// higher lifecycle status wins, and the incoming (most recently seen) copy
// wins ties.
func Merge(existing, incoming []*model.Message) []*model.Message {
	byKey := make(map[string]*model.Message, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))

	for _, m := range existing {
		key := m.Key()
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = m
	}
	for _, m := range incoming {
		key := m.Key()
		current, seen := byKey[key]
		if !seen {
			order = append(order, key)
			byKey[key] = m
			continue
		}
		byKey[key] = prefer(current, m)
	}

	merged := make([]*model.Message, 0, len(order))
	for _, key := range order {
		merged = append(merged, byKey[key])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].Key() < merged[j].Key()
	})
	return merged
}

// prefer picks the winner between two variants of the same message. The
// second argument is the more recently seen copy and wins ties.
func prefer(old, new *model.Message) *model.Message {
	if old.Confirmed() != new.Confirmed() {
		if old.Confirmed() {
			return old
		}
		return new
	}
	if old.Status.Rank() > new.Status.Rank() {
		return old
	}
	return new
}

// Reconcile compares next against prev per message and keeps the prev object
// reference wherever no displayed field changed. UI layers compare pointers
// to skip re-render, so this is a performance contract: the remote feed
// re-delivers full snapshots on every receipt mutation and most entries are
// byte-equal to what is already shown.
func Reconcile(prev, next []*model.Message) []*model.Message {
	byKey := make(map[string]*model.Message, len(prev))
	for _, m := range prev {
		byKey[m.Key()] = m
	}

	out := make([]*model.Message, len(next))
	for i, m := range next {
		if p, ok := byKey[m.Key()]; ok && !differs(p, m) {
			out[i] = p
			continue
		}
		out[i] = m
	}
	// When every position resolved to the previous object, hand back prev
	// itself so the consumer can skip the update entirely.
	if len(out) == len(prev) {
		same := true
		for i := range out {
			if out[i] != prev[i] {
				same = false
				break
			}
		}
		if same {
			return prev
		}
	}
	return out
}

// differs reports whether any field relevant to display changed between two
// variants of the same message.
func differs(a, b *model.Message) bool {
	return a.Status != b.Status ||
		a.ID != b.ID ||
		len(a.ReadBy) != len(b.ReadBy) ||
		len(a.DeliveredTo) != len(b.DeliveredTo) ||
		len(a.DeletedBy) != len(b.DeletedBy) ||
		a.MediaRef != b.MediaRef ||
		a.Body != b.Body
}

// VisibleTo filters out messages the viewer has soft-deleted. The filter is
// applied on every publish, never baked into storage: other participants
// still see the message.
func VisibleTo(list []*model.Message, viewer string) []*model.Message {
	out := make([]*model.Message, 0, len(list))
	for _, m := range list {
		if m.DeletedFor(viewer) {
			continue
		}
		out = append(out, m)
	}
	return out
}
