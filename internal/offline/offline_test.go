package offline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/umsync/syncctl/internal/connector"
	"github.com/umsync/syncctl/internal/dispatch"
	"github.com/umsync/syncctl/internal/identity"
	"github.com/umsync/syncctl/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return path
}

func drainUsers(t *testing.T, s connector.UserStream) []*identity.DirectoryUser {
	t.Helper()
	defer s.Close()
	var out []*identity.DirectoryUser
	for {
		u, err := s.Next()
		if errors.Is(err, connector.ErrEndOfStream) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, u)
	}
}

func drainAccounts(t *testing.T, s connector.AccountStream) []*identity.ObservedAccount {
	t.Helper()
	defer s.Close()
	var out []*identity.ObservedAccount
	for {
		a, err := s.Next()
		if errors.Is(err, connector.ErrEndOfStream) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, a)
	}
}

func TestCSVDirectoryGroupFilter(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "users.csv",
		"type,email,firstname,lastname,country,groups\n"+
			"federatedID,alice@x.com,Alice,A,US,Eng|Sales\n"+
			"federatedID,bob@x.com,Bob,B,US,Finance\n")

	dir := &CSVDirectory{Path: path}
	stream, err := dir.LoadUsersAndGroups(context.Background(), []string{"eng"}, nil, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	users := drainUsers(t, stream)
	if len(users) != 1 || users[0].Email != "alice@x.com" {
		t.Fatalf("group filter wrong: %+v", users)
	}
	if len(users[0].MemberGroups) != 2 {
		t.Fatalf("member groups: %v", users[0].MemberGroups)
	}
}

func TestCSVDirectoryLoadAll(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "users.csv",
		"type,email,groups\n"+
			"federatedID,alice@x.com,Eng\n"+
			"federatedID,bob@x.com,\n")

	dir := &CSVDirectory{Path: path}
	stream, err := dir.LoadUsersAndGroups(context.Background(), []string{"eng"}, nil, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(drainUsers(t, stream)); got != 2 {
		t.Fatalf("load all: got=%d want=2", got)
	}
}

func TestCSVDirectoryExtendedAttributes(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "users.csv",
		"type,email,groups,department,shoe_size\n"+
			"federatedID,alice@x.com,Eng,Sales,42\n")

	dir := &CSVDirectory{Path: path}
	stream, err := dir.LoadUsersAndGroups(context.Background(), []string{"Eng"}, []string{"department"}, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	users := drainUsers(t, stream)
	if len(users) != 1 {
		t.Fatalf("users: %d", len(users))
	}
	attrs := users[0].SourceAttributes
	if attrs["department"] != "Sales" {
		t.Fatalf("requested attribute missing: %v", attrs)
	}
	if _, ok := attrs["shoe_size"]; ok {
		t.Fatalf("unrequested attribute leaked: %v", attrs)
	}
}

func TestCSVDirectoryMissingFile(t *testing.T) {
	testlog.Start(t)
	dir := &CSVDirectory{Path: filepath.Join(t.TempDir(), "nope.csv")}
	if _, err := dir.LoadUsersAndGroups(context.Background(), nil, nil, true); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestFileTargetAccounts(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "accounts.csv",
		"type,email,firstname,lastname,country,groups\n"+
			"federatedID,alice@x.com,Alice,A,US,Eng\n"+
			"adobeID,bob@x.com,Bob,B,US,\n")

	ft := NewFileTarget("primary", path, filepath.Join(t.TempDir(), "journal.jsonl"))
	stream, err := ft.Accounts(context.Background(), "")
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	accounts := drainAccounts(t, stream)
	if len(accounts) != 2 {
		t.Fatalf("accounts: %d", len(accounts))
	}
	if accounts[1].Type != identity.AdobeID {
		t.Fatalf("type parse: %v", accounts[1].Type)
	}

	stream, err = ft.Accounts(context.Background(), "eng")
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	filtered := drainAccounts(t, stream)
	if len(filtered) != 1 || filtered[0].Email != "alice@x.com" {
		t.Fatalf("group filter wrong: %+v", filtered)
	}
}

func TestFileTargetAccountsMissingSnapshot(t *testing.T) {
	testlog.Start(t)
	ft := NewFileTarget("primary", filepath.Join(t.TempDir(), "nope.csv"), "")
	if _, err := ft.Accounts(context.Background(), ""); !errors.Is(err, connector.ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestFileTargetSendJournals(t *testing.T) {
	testlog.Start(t)
	accounts := writeFile(t, "accounts.csv", "type,email,groups\n")
	journal := filepath.Join(t.TempDir(), "journal.jsonl")
	ft := NewFileTarget("primary", accounts, journal)

	key, err := identity.ComputeKey(identity.FederatedID, "", "", "alice@x.com")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	cmd := dispatch.NewCommands("primary", key).
		CreateAccount(map[string]string{"email": "alice@x.com"}, dispatch.IgnoreIfExists).
		AddGroups([]string{"Eng"})

	sent, opErrs, err := ft.Send(context.Background(), []*dispatch.Commands{cmd})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent != 2 || len(opErrs) != 0 {
		t.Fatalf("send result: sent=%d opErrs=%d", sent, len(opErrs))
	}

	f, err := os.Open(journal)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var entries []journalEntry
	for scanner.Scan() {
		var e journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("journal line: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 1 {
		t.Fatalf("journal entries: %d", len(entries))
	}
	got := entries[0]
	if got.Target != "primary" || got.CommandsID != cmd.ID {
		t.Fatalf("journal entry: %+v", got)
	}
	if len(got.Ops) != 2 || got.Ops[0].Kind != dispatch.OpCreate || got.Ops[1].Kind != dispatch.OpAddGroups {
		t.Fatalf("journal ops: %+v", got.Ops)
	}
}

func TestFileTargetListGroupsIncludesCreated(t *testing.T) {
	testlog.Start(t)
	accounts := writeFile(t, "accounts.csv",
		"type,email,groups\nfederatedID,alice@x.com,Eng\n")
	ft := NewFileTarget("primary", accounts, "")

	if err := ft.CreateGroup(context.Background(), "Mktg"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	groups, err := ft.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if _, ok := groups["Eng"]; !ok {
		t.Fatalf("snapshot group missing: %v", groups)
	}
	if _, ok := groups["mktg"]; !ok {
		t.Fatalf("created group missing: %v", groups)
	}
}
