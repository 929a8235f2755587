package talkwire

import (
	"testing"
	"time"
)

func TestCache_FreshnessWindow(t *testing.T) {
	c := NewConversationCache()
	current := time.Now()
	c.now = func() time.Time { return current }

	c.Replace("USER_alice", []Message{{ID: "m1"}})

	if _, fresh := c.Get("USER_alice"); !fresh {
		t.Fatal("entry must be fresh right after a replace")
	}

	current = current.Add(cacheFreshness - time.Second)
	if _, fresh := c.Get("USER_alice"); !fresh {
		t.Error("entry must stay fresh inside the window")
	}

	current = current.Add(2 * time.Second)
	msgs, fresh := c.Get("USER_alice")
	if fresh {
		t.Error("entry must go stale past the window")
	}
	if len(msgs) != 1 {
		t.Error("stale entries keep their messages; staleness only forces a refetch")
	}
}

func TestCache_EmptyEntryIsNeverFresh(t *testing.T) {
	c := NewConversationCache()
	c.Replace("USER_alice", nil)
	if _, fresh := c.Get("USER_alice"); fresh {
		t.Error("an empty entry must not satisfy a select")
	}
}

func TestCache_MissingKey(t *testing.T) {
	c := NewConversationCache()
	msgs, fresh := c.Get("USER_nobody")
	if fresh || msgs != nil {
		t.Errorf("missing key must return nil/false, got %v/%v", msgs, fresh)
	}
}

func TestCache_AppendDoesNotRefresh(t *testing.T) {
	c := NewConversationCache()
	current := time.Now()
	c.now = func() time.Time { return current }

	c.Replace("USER_alice", []Message{{ID: "m1"}})
	current = current.Add(cacheFreshness + time.Minute)

	c.Append("USER_alice", Message{ID: "m2"})

	msgs, fresh := c.Get("USER_alice")
	if fresh {
		t.Error("append must not restamp the fetch time")
	}
	if len(msgs) != 2 {
		t.Errorf("append must still store the message, got %d", len(msgs))
	}
}

func TestCache_AppendToMissingKeyCreatesStaleEntry(t *testing.T) {
	c := NewConversationCache()
	c.Append("USER_alice", Message{ID: "m1"})

	msgs, fresh := c.Get("USER_alice")
	if fresh {
		t.Error("an entry born from append must be stale")
	}
	if len(msgs) != 1 {
		t.Errorf("expected the appended message stored, got %d", len(msgs))
	}
}

func TestCache_EvictAndLen(t *testing.T) {
	c := NewConversationCache()
	c.Replace("USER_a", []Message{{ID: "m1"}})
	c.Replace("GROUP_g", []Message{{ID: "m2"}})
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}

	c.Evict("USER_a")
	if c.Len() != 1 {
		t.Errorf("expected 1 entry after evict, got %d", c.Len())
	}
	if _, fresh := c.Get("USER_a"); fresh {
		t.Error("evicted entry must be gone")
	}
}

func TestCache_GetReturnsCopy(t *testing.T) {
	c := NewConversationCache()
	c.Replace("USER_a", []Message{{ID: "m1"}})

	msgs, _ := c.Get("USER_a")
	msgs[0].ID = "mutated"

	again, _ := c.Get("USER_a")
	if again[0].ID != "m1" {
		t.Error("callers must not be able to mutate cached state through the returned slice")
	}
}
