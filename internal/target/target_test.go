package target

import (
	"reflect"
	"sort"
	"testing"

	"github.com/umsync/syncctl/internal/groups"
	"github.com/umsync/syncctl/internal/identity"
	"github.com/umsync/syncctl/internal/testutil/testlog"
)

func mustKey(t *testing.T, username string) identity.Key {
	t.Helper()
	k, err := identity.ComputeKey(identity.FederatedID, username, "", username)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return k
}

func TestMappedGroupDedup(t *testing.T) {
	testlog.Start(t)
	s := NewState("primary", true)
	s.AddMappedGroup("Engineering")
	s.AddMappedGroup("ENGINEERING")
	s.AddMappedGroup("engineering")

	got := s.MappedGroups()
	if !reflect.DeepEqual(got, []string{"Engineering"}) {
		t.Fatalf("dedup failed: %v", got)
	}
	if !s.IsMapped("enGINEering") {
		t.Fatalf("case-insensitive lookup failed")
	}
}

func TestDesiredPresenceWithoutGroups(t *testing.T) {
	testlog.Start(t)
	s := NewState("primary", true)
	key := mustKey(t, "alice@x.com")

	s.AddDesiredGroup(key, nil)
	refs, ok := s.DesiredGroups(key)
	if !ok {
		t.Fatalf("presence not registered")
	}
	if len(refs) != 0 {
		t.Fatalf("expected no groups, got %v", refs)
	}
}

func TestDesiredGroupsAccumulate(t *testing.T) {
	testlog.Start(t)
	s := NewState("primary", true)
	key := mustKey(t, "alice@x.com")
	reg := groups.NewRegistry()
	eng, _ := reg.Get("Eng", "")
	mktg, _ := reg.Get("Mktg", "")

	s.AddDesiredGroup(key, eng)
	s.AddDesiredGroup(key, mktg)
	s.AddDesiredGroup(key, eng)

	refs, ok := s.DesiredGroups(key)
	if !ok || len(refs) != 2 {
		t.Fatalf("expected 2 desired groups, got ok=%v refs=%v", ok, refs)
	}
}

func TestAdditionalGroupConflictFirstWins(t *testing.T) {
	testlog.Start(t)
	s := NewState("primary", true)

	s.AddAdditionalGroup("acl-eng", "ACL-Engineering")
	s.AddAdditionalGroup("acl-eng", "ACL-Engineering")
	if len(s.Conflicts()) != 0 {
		t.Fatalf("same source reported as conflict")
	}

	s.AddAdditionalGroup("acl-eng", "ACL-Eng-Legacy")
	conflicts := s.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.KeptSource != "ACL-Engineering" || c.DroppedSource != "ACL-Eng-Legacy" {
		t.Fatalf("first mapping did not win: %+v", c)
	}
	if !s.IsMapped("acl-eng") {
		t.Fatalf("derived group not registered as mapped")
	}
}

func TestObservedAccounts(t *testing.T) {
	testlog.Start(t)
	s := NewState("primary", true)
	key := mustKey(t, "bob@x.com")

	if s.Loaded() {
		t.Fatalf("loaded before MarkLoaded")
	}
	s.RecordObservedAccount(key, &identity.ObservedAccount{Email: "bob@x.com"})
	s.MarkLoaded()

	acct, ok := s.ObservedAccount(key)
	if !ok || acct.Email != "bob@x.com" {
		t.Fatalf("observed lookup failed: ok=%v acct=%+v", ok, acct)
	}
	if s.ObservedCount() != 1 {
		t.Fatalf("observed count: got=%d want=1", s.ObservedCount())
	}
	if !s.Loaded() {
		t.Fatalf("not loaded after MarkLoaded")
	}
}

func TestDesiredKeys(t *testing.T) {
	testlog.Start(t)
	s := NewState("x", false)
	keys := []identity.Key{mustKey(t, "a@x.com"), mustKey(t, "b@x.com")}
	for _, k := range keys {
		s.AddDesiredGroup(k, nil)
	}
	got := s.DesiredKeys()
	sort.Slice(got, func(i, j int) bool { return got[i].Username < got[j].Username })
	if !reflect.DeepEqual(got, keys) {
		t.Fatalf("desired keys: got=%v want=%v", got, keys)
	}
}
