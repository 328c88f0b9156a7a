package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/umsync/syncctl/internal/dispatch"
	"github.com/umsync/syncctl/internal/identity"
	"github.com/umsync/syncctl/internal/testutil/testlog"
)

func TestStrayListRoundTrip(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "strays.csv")

	k1, err := identity.ComputeKey(identity.FederatedID, "bob", "example.com", "")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	k2, err := identity.ComputeKey(identity.EnterpriseID, "", "", "carol@example.com")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	want := []StrayEntry{
		{Key: k1},
		{Key: k2, Target: "eu"},
	}

	if err := WriteStrayList(path, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadStrayList(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("entry count: got=%d want=%d", len(got), len(want))
	}
	for i := range want {
		if got[i].Key != want[i].Key {
			t.Fatalf("entry %d key: got=%v want=%v", i, got[i].Key, want[i].Key)
		}
		if got[i].Target != want[i].Target {
			t.Fatalf("entry %d target: got=%q want=%q", i, got[i].Target, want[i].Target)
		}
	}
}

func TestReadStrayListWithoutTargetColumn(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "strays.csv")
	data := "type,username,domain\nfederatedID,bob,example.com\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	got, err := ReadStrayList(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Target != "" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	if got[0].Key.Username != "bob" || got[0].Key.Domain != "example.com" {
		t.Fatalf("unexpected key: %+v", got[0].Key)
	}
}

func TestReadStrayListRejectsShortRow(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "strays.csv")
	if err := os.WriteFile(path, []byte("type,username,domain\nfederatedID,bob\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := ReadStrayList(path); err == nil {
		t.Fatalf("short row accepted")
	}
}

func TestRunWithStrayListInput(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "strays.csv")

	k, err := identity.ComputeKey(identity.FederatedID, "", "", "bob@x.com")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if err := WriteStrayList(path, []StrayEntry{
		{Key: k},
		{Key: mustKeyFromEmail(t, "ghost@x.com")}, // never observed, must be skipped
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	opts := fastOpts()
	opts.Mapping = map[string][]string{"A": {"Eng"}}
	opts.StrayPolicy = StrayRemoveGroups
	opts.StrayListInput = path

	dir := &fakeDirectory{users: []*identity.DirectoryUser{dirUser("bob@x.com", "A")}}
	svc := &fakeService{accounts: []*identity.ObservedAccount{observed("bob@x.com", "Eng")}}
	eng, err := New(opts, dir, []Target{{Name: "primary", Primary: true, Service: svc}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// The directory is never consulted in list-input mode, so bob is still
	// a stray even though the directory would have matched him.
	if dir.requestedGroups != nil {
		t.Fatalf("directory was read in list-input mode")
	}
	if summary.StraysProcessed != 1 {
		t.Fatalf("strays processed: %d", summary.StraysProcessed)
	}
	removes := opsOfKind(svc, dispatch.OpRemoveGroups)
	if len(removes) != 1 || len(removes[0].Groups) != 1 || removes[0].Groups[0] != "Eng" {
		t.Fatalf("unexpected removal ops: %+v", removes)
	}
}

func mustKeyFromEmail(t *testing.T, email string) identity.Key {
	t.Helper()
	k, err := identity.ComputeKey(identity.FederatedID, "", "", email)
	if err != nil {
		t.Fatalf("key for %q: %v", email, err)
	}
	return k
}

func TestParseStrayLimit(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		raw     string
		want    StrayLimit
		wantErr bool
	}{
		{raw: "200", want: StrayLimit{Count: 200}},
		{raw: "0", want: StrayLimit{}},
		{raw: "15%", want: StrayLimit{Percent: 15, HasPercent: true}},
		{raw: " 15% ", want: StrayLimit{Percent: 15, HasPercent: true}},
		{raw: "", wantErr: true},
		{raw: "-3", wantErr: true},
		{raw: "150%", wantErr: true},
		{raw: "lots", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseStrayLimit(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidStrayLimit) {
				t.Fatalf("ParseStrayLimit(%q): err=%v", tt.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseStrayLimit(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseStrayLimit(%q): got=%+v want=%+v", tt.raw, got, tt.want)
		}
	}
}

func TestStrayLimitExceeded(t *testing.T) {
	testlog.Start(t)
	abs := StrayLimit{Count: 2}
	if abs.Exceeded(2, 100) {
		t.Fatalf("count at limit must not exceed")
	}
	if !abs.Exceeded(3, 100) {
		t.Fatalf("count over limit must exceed")
	}

	pct := StrayLimit{Percent: 10, HasPercent: true}
	if pct.Exceeded(10, 100) {
		t.Fatalf("10%% of 100 at limit must not exceed")
	}
	if !pct.Exceeded(11, 100) {
		t.Fatalf("11%% of 100 must exceed")
	}
	if !pct.Exceeded(1, 0) {
		t.Fatalf("any stray against an empty population must exceed")
	}
}

func TestParseStrayPolicy(t *testing.T) {
	testlog.Start(t)
	for raw, want := range map[string]StrayPolicy{
		"":                StrayExclude,
		"exclude":         StrayExclude,
		"write-to-list":   StrayWriteToList,
		"Remove-Groups":   StrayRemoveGroups,
		"remove-from-org": StrayRemoveFromOrg,
		"delete":          StrayDelete,
	} {
		got, err := ParseStrayPolicy(raw)
		if err != nil {
			t.Fatalf("ParseStrayPolicy(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseStrayPolicy(%q): got=%q want=%q", raw, got, want)
		}
	}
	if _, err := ParseStrayPolicy("nuke"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("unknown policy accepted")
	}
}
