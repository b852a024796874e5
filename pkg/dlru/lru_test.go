package dlru

import "testing"

func Test_LRUIndex_Get_Promotes_To_MRU(t *testing.T) {
	t.Parallel()

	idx := newLRUIndex()
	idx.put("a", newEntry("a", 1))
	idx.put("b", newEntry("b", 1))
	idx.put("c", newEntry("c", 1))

	if _, ok := idx.get("a"); !ok {
		t.Fatalf("get(a): expected present")
	}

	victim := idx.lruVictim()
	if victim == nil || victim.key != "b" {
		t.Fatalf("expected victim b after promoting a, got %+v", victim)
	}
}

func Test_LRUIndex_Peek_Does_Not_Promote(t *testing.T) {
	t.Parallel()

	idx := newLRUIndex()
	idx.put("a", newEntry("a", 1))
	idx.put("b", newEntry("b", 1))

	if _, ok := idx.peek("a"); !ok {
		t.Fatalf("peek(a): expected present")
	}

	victim := idx.lruVictim()
	if victim == nil || victim.key != "a" {
		t.Fatalf("peek must not change eviction order, got victim %+v", victim)
	}
}

func Test_LRUIndex_Remove_Absent_Is_NoOp(t *testing.T) {
	t.Parallel()

	idx := newLRUIndex()
	idx.put("a", newEntry("a", 1))

	idx.remove("missing")

	if idx.len() != 1 {
		t.Fatalf("expected len 1 after removing an absent key, got %d", idx.len())
	}
}

func Test_LRUIndex_Remove_Present(t *testing.T) {
	t.Parallel()

	idx := newLRUIndex()
	idx.put("a", newEntry("a", 1))
	idx.put("b", newEntry("b", 1))

	idx.remove("a")

	if idx.len() != 1 {
		t.Fatalf("expected len 1, got %d", idx.len())
	}

	if _, ok := idx.get("a"); ok {
		t.Fatalf("expected a to be gone")
	}
}

func Test_LRUIndex_Put_Replaces_Existing_And_Promotes(t *testing.T) {
	t.Parallel()

	idx := newLRUIndex()
	idx.put("a", newEntry("a", 1))
	idx.put("b", newEntry("b", 1))

	replacement := newEntry("a", 2)
	idx.put("a", replacement)

	if idx.len() != 2 {
		t.Fatalf("replacing an existing key must not grow the index, got len %d", idx.len())
	}

	got, ok := idx.peek("a")
	if !ok || got != replacement {
		t.Fatalf("expected peek(a) to return the replacement entry")
	}

	if victim := idx.lruVictim(); victim == nil || victim.key != "b" {
		t.Fatalf("put must promote the replaced key to MRU, victim=%+v", victim)
	}
}

func Test_LRUIndex_All_Returns_LRU_To_MRU_Order(t *testing.T) {
	t.Parallel()

	idx := newLRUIndex()
	idx.put("a", newEntry("a", 1))
	idx.put("b", newEntry("b", 1))
	idx.put("c", newEntry("c", 1))
	idx.promote("a")

	all := idx.all()
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}

	want := []string{"b", "c", "a"}
	for i, e := range all {
		if e.key != want[i] {
			t.Fatalf("all()[%d] = %q, want %q", i, e.key, want[i])
		}
	}
}

func Test_LRUIndex_Empty_Victim_Is_Nil(t *testing.T) {
	t.Parallel()

	idx := newLRUIndex()

	if v := idx.lruVictim(); v != nil {
		t.Fatalf("expected nil victim on empty index, got %+v", v)
	}
}
