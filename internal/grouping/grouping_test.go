package grouping

import (
	"slices"
	"testing"
	"time"

	"tush00nka/portal_chat/internal/model"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func msg(id uint, sender uint, offset time.Duration) model.Message {
	return model.Message{ID: id, Sequence: uint64(id), SenderID: sender, CreatedAt: t0.Add(offset)}
}

func ids(groups []Group) [][]uint {
	out := make([][]uint, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.MessageIDs)
	}
	return out
}

func equalGroups(a, b [][]uint) bool {
	return slices.EqualFunc(a, b, func(x, y []uint) bool { return slices.Equal(x, y) })
}

func TestGroupWindowAndSender(t *testing.T) {
	msgs := []model.Message{
		msg(1, 1, 0),
		msg(2, 1, 60*time.Second),
		msg(3, 1, 400*time.Second),
		msg(4, 2, 401*time.Second),
	}

	got := ids(Split(msgs, Options{}))
	want := [][]uint{{1, 2}, {3}, {4}}
	if !equalGroups(got, want) {
		t.Fatalf("groups = %v, want %v", got, want)
	}
}

func TestGroupWindowBoundary(t *testing.T) {
	tests := []struct {
		name   string
		window time.Duration
		gap    time.Duration
		want   [][]uint
	}{
		{"exactly window", 0, 5 * time.Minute, [][]uint{{1, 2}}},
		{"just over window", 0, 5*time.Minute + time.Second, [][]uint{{1}, {2}}},
		{"custom window", time.Minute, 2 * time.Minute, [][]uint{{1}, {2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(Split([]model.Message{msg(1, 1, 0), msg(2, 1, tt.gap)}, Options{Window: tt.window}))
			if !equalGroups(got, tt.want) {
				t.Errorf("groups = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGroupAfterIsRestartable(t *testing.T) {
	msgs := []model.Message{
		msg(1, 1, 0),
		msg(2, 1, time.Minute),
		msg(3, 1, 2*time.Minute),
		msg(4, 2, 3*time.Minute),
		msg(5, 2, 20*time.Minute),
	}
	whole := Split(msgs, Options{})

	for split := 0; split <= len(msgs); split++ {
		first, tail := GroupAfter(nil, msgs[:split], Options{})
		second, _ := GroupAfter(tail, msgs[split:], Options{})

		// склеиваем продолжающую группу с последней группой первой части
		merged := ids(first)
		for i, g := range second {
			if i == 0 && g.Continued {
				merged[len(merged)-1] = append(merged[len(merged)-1], g.MessageIDs...)
				continue
			}
			merged = append(merged, g.MessageIDs)
		}

		if !equalGroups(merged, ids(whole)) {
			t.Errorf("split at %d: %v, want %v", split, merged, ids(whole))
		}
	}
}

func TestGroupMarksUnread(t *testing.T) {
	msgs := []model.Message{
		msg(1, 1, 0),
		msg(2, 2, time.Minute),
		msg(3, 1, 2*time.Minute),
		msg(4, 1, 3*time.Minute),
	}

	groups := Split(msgs, Options{ViewerID: 2, LastReadSequence: 3})
	got := make([]bool, 0, len(groups))
	for _, g := range groups {
		got = append(got, g.HasUnread)
	}
	if want := []bool{false, false, true}; !slices.Equal(got, want) {
		t.Errorf("HasUnread = %v, want %v", got, want)
	}
	if groups[2].FirstSequence != 3 || groups[2].LastSequence != 4 {
		t.Errorf("last group = %+v", groups[2])
	}
}

func TestGroupEmpty(t *testing.T) {
	groups, tail := GroupAfter(&Tail{SenderID: 1, At: t0}, nil, Options{})
	if len(groups) != 0 {
		t.Errorf("groups = %v", groups)
	}
	if tail == nil || tail.SenderID != 1 {
		t.Errorf("tail = %+v", tail)
	}
}
