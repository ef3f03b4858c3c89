package temporal

import (
	"strings"
	"time"

	"github.com/c360/citysync/pkg/timestamp"
)

// recentLimit caps TimeMachineView.Recent.
const recentLimit = 20

// GetBucketedActivity splits [start, end) into buckets uniform intervals and
// counts quanta per interval. It returns an empty slice when end is not after
// start or buckets is not positive. The last bucket ends exactly at end.
func (s *Store) GetBucketedActivity(start, end time.Time, buckets int) []Bucket {
	if !end.After(start) || buckets <= 0 {
		return []Bucket{}
	}

	span := end.Sub(start)
	width := span / time.Duration(buckets)

	out := make([]Bucket, buckets)
	for i := range out {
		out[i].Start = start.Add(time.Duration(i) * width)
		out[i].End = start.Add(time.Duration(i+1) * width)
	}
	out[buckets-1].End = end

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, q := range s.timeline {
		if q.Timestamp.Before(start) || !q.Timestamp.Before(end) {
			continue
		}
		idx := buckets - 1
		if width > 0 {
			if i := int(q.Timestamp.Sub(start) / width); i < idx {
				idx = i
			}
		}
		out[idx].Count++
	}
	return out
}

// SearchHistory filters the timeline by exact type, then by a case-insensitive
// substring of type, source id or payload JSON, and returns the last Limit
// matches in timeline order.
func (s *Store) SearchHistory(q SearchQuery) []Quantum {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	needle := strings.ToLower(q.Query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Quantum
	for _, entry := range s.timeline {
		if q.Type != "" && entry.Type != q.Type {
			continue
		}
		if needle != "" && !matchesQuery(entry, needle) {
			continue
		}
		matches = append(matches, entry)
	}

	if len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	out := make([]Quantum, len(matches))
	copy(out, matches)
	return out
}

func matchesQuery(q Quantum, needle string) bool {
	return strings.Contains(strings.ToLower(q.Type), needle) ||
		strings.Contains(strings.ToLower(q.SourceID), needle) ||
		strings.Contains(strings.ToLower(string(q.Payload)), needle)
}

// QuantaBetween returns quanta with timestamps in [start, end) in timeline order.
func (s *Store) QuantaBetween(start, end time.Time) []Quantum {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Quantum
	for _, q := range s.timeline {
		if !q.Timestamp.Before(start) && q.Timestamp.Before(end) {
			out = append(out, q)
		}
	}
	return out
}

// StateAt reconstructs what the store looked like at t: the epoch active then,
// the latest snapshot taken at or before t and the quanta recorded by then.
func (s *Store) StateAt(t time.Time) TimeMachineView {
	t = timestamp.Normalize(t)

	s.mu.RLock()
	defer s.mu.RUnlock()

	view := TimeMachineView{At: t, Recent: []Quantum{}}

	for _, epoch := range s.epochs {
		if epoch.Contains(t) {
			e := cloneEpoch(epoch)
			view.Epoch = &e
			break
		}
	}

	for _, snap := range s.orderedSnapshotsLocked() {
		if snap.Timestamp.After(t) {
			continue
		}
		if view.Snapshot == nil || !snap.Timestamp.Before(view.Snapshot.Timestamp) {
			sc := snap
			view.Snapshot = &sc
		}
	}

	for _, q := range s.timeline {
		if q.Timestamp.After(t) {
			continue
		}
		view.Count++
		if q.Position > view.Position {
			view.Position = q.Position
		}
		view.Recent = append(view.Recent, q)
		if len(view.Recent) > recentLimit {
			view.Recent = view.Recent[1:]
		}
	}
	return view
}
