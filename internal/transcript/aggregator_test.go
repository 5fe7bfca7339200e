package transcript_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/companion/internal/transcript"
)

func assertItems(t *testing.T, got, want []transcript.Item) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("items = %+v; want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d = %+v; want %+v", i, got[i], want[i])
		}
	}
}

func TestAggregator_Stitching(t *testing.T) {
	t.Parallel()

	a := transcript.NewAggregator()
	a.Append(transcript.RoleLocal, "Hel")
	a.Append(transcript.RoleLocal, "lo ")
	a.TurnComplete()
	a.Append(transcript.RoleRemote, "wo")
	a.Append(transcript.RoleRemote, "rld")

	assertItems(t, a.Items(), []transcript.Item{
		{Role: transcript.RoleLocal, Text: "Hello ", Final: true},
		{Role: transcript.RoleRemote, Text: "world", Final: false},
	})

	a.TurnComplete()
	assertItems(t, a.Items(), []transcript.Item{
		{Role: transcript.RoleLocal, Text: "Hello ", Final: true},
		{Role: transcript.RoleRemote, Text: "world", Final: true},
	})
}

func TestAggregator_NewLineAfterFinal(t *testing.T) {
	t.Parallel()

	a := transcript.NewAggregator()
	a.Append(transcript.RoleRemote, "one")
	a.TurnComplete()
	a.Append(transcript.RoleRemote, "two")

	assertItems(t, a.Items(), []transcript.Item{
		{Role: transcript.RoleRemote, Text: "one", Final: true},
		{Role: transcript.RoleRemote, Text: "two", Final: false},
	})
}

func TestAggregator_InterleavedRoles(t *testing.T) {
	t.Parallel()

	a := transcript.NewAggregator()
	a.Append(transcript.RoleLocal, "what is")
	a.Append(transcript.RoleRemote, "Let me")
	a.Append(transcript.RoleLocal, " the time")

	// The local buffer carries on in a fresh line after the remote line and
	// the line it replaces is no longer live.
	assertItems(t, a.Items(), []transcript.Item{
		{Role: transcript.RoleLocal, Text: "what is", Final: true},
		{Role: transcript.RoleRemote, Text: "Let me"},
		{Role: transcript.RoleLocal, Text: "what is the time"},
	})

	a.TurnComplete()
	for i, it := range a.Items() {
		if !it.Final {
			t.Errorf("item %d still live after turn complete", i)
		}
	}

	// Both buffers were reset.
	a.Append(transcript.RoleLocal, "next")
	items := a.Items()
	if got := items[len(items)-1]; got.Text != "next" {
		t.Errorf("new local line = %q; want %q", got.Text, "next")
	}
}

func TestAggregator_OneLiveLinePerRole(t *testing.T) {
	t.Parallel()

	a := transcript.NewAggregator()
	deltas := []struct {
		role transcript.Role
		text string
	}{
		{transcript.RoleLocal, "a"},
		{transcript.RoleRemote, "b"},
		{transcript.RoleLocal, "c"},
		{transcript.RoleRemote, "d"},
		{transcript.RoleLocal, "e"},
		{transcript.RoleRemote, "f"},
	}
	for i, d := range deltas {
		a.Append(d.role, d.text)
		live := map[transcript.Role]int{}
		for _, it := range a.Items() {
			if !it.Final {
				live[it.Role]++
			}
		}
		for role, n := range live {
			if n > 1 {
				t.Errorf("after delta %d: %d live %s lines; want at most 1", i, n, role)
			}
		}
	}
}

func TestAggregator_TurnCompleteWithoutItems(t *testing.T) {
	t.Parallel()

	a := transcript.NewAggregator()
	a.TurnComplete()
	if a.Len() != 0 {
		t.Errorf("Len() = %d; want 0", a.Len())
	}
}

func TestAggregator_EmptyDeltaIgnored(t *testing.T) {
	t.Parallel()

	a := transcript.NewAggregator()
	a.Append(transcript.RoleLocal, "")
	if a.Len() != 0 {
		t.Errorf("Len() = %d; want 0", a.Len())
	}
}

func TestAggregator_ItemsIsCopy(t *testing.T) {
	t.Parallel()

	a := transcript.NewAggregator()
	a.Append(transcript.RoleLocal, "hi")
	items := a.Items()
	items[0].Text = "changed"
	if got := a.Items()[0].Text; got != "hi" {
		t.Errorf("Items()[0].Text = %q; want %q", got, "hi")
	}
}

func TestAggregator_Reset(t *testing.T) {
	t.Parallel()

	a := transcript.NewAggregator()
	a.Append(transcript.RoleLocal, "a")
	a.Reset()
	a.Append(transcript.RoleLocal, "b")
	assertItems(t, a.Items(), []transcript.Item{{Role: transcript.RoleLocal, Text: "b"}})
}

func TestAggregator_Concurrent(t *testing.T) {
	t.Parallel()

	a := transcript.NewAggregator()
	var wg sync.WaitGroup
	for _, role := range []transcript.Role{transcript.RoleLocal, transcript.RoleRemote} {
		wg.Go(func() {
			for range 100 {
				a.Append(role, "x")
			}
		})
	}
	wg.Go(func() {
		for range 50 {
			_ = a.Items()
		}
	})
	wg.Wait()

	total := 0
	for _, it := range a.Items() {
		if it.Text == "" {
			t.Fatal("empty line")
		}
		total++
	}
	if total == 0 {
		t.Fatal("no lines")
	}
}
