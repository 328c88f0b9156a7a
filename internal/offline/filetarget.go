package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/umsync/syncctl/internal/connector"
	"github.com/umsync/syncctl/internal/dispatch"
	"github.com/umsync/syncctl/internal/identity"
)

// FileTarget is an offline identity-service target: accounts come from a
// CSV snapshot and every accepted mutation is appended to a JSON-lines
// journal instead of hitting the wire.
type FileTarget struct {
	Name         string
	AccountsPath string
	JournalPath  string

	mu            sync.Mutex
	createdGroups map[string]struct{}
}

func NewFileTarget(name, accountsPath, journalPath string) *FileTarget {
	return &FileTarget{
		Name:          name,
		AccountsPath:  accountsPath,
		JournalPath:   journalPath,
		createdGroups: make(map[string]struct{}),
	}
}

func (t *FileTarget) Accounts(ctx context.Context, groupFilter string) (connector.AccountStream, error) {
	accounts, err := t.loadAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if groupFilter == "" {
		return connector.NewAccountSliceStream(accounts), nil
	}
	want := identity.Normalize(groupFilter)
	var filtered []*identity.ObservedAccount
	for _, a := range accounts {
		for _, g := range a.Groups {
			if identity.Normalize(g) == want {
				filtered = append(filtered, a)
				break
			}
		}
	}
	return connector.NewAccountSliceStream(filtered), nil
}

func (t *FileTarget) loadAccounts(ctx context.Context) ([]*identity.ObservedAccount, error) {
	rows, header, err := readCSV(t.AccountsPath)
	if err != nil {
		return nil, connector.Fatal(fmt.Errorf("accounts snapshot: %w", err))
	}

	var accounts []*identity.ObservedAccount
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record := recordFor(header, row)
		typ, err := identity.ParseType(record["type"])
		if err != nil {
			typ = identity.FederatedID
		}
		accounts = append(accounts, &identity.ObservedAccount{
			Type:      typ,
			Username:  record["username"],
			Domain:    record["domain"],
			Email:     record["email"],
			Firstname: record["firstname"],
			Lastname:  record["lastname"],
			Country:   record["country"],
			Groups:    splitList(record["groups"]),
		})
	}
	return accounts, nil
}

type journalEntry struct {
	Target     string        `json:"target"`
	CommandsID string        `json:"commands_id"`
	User       string        `json:"user"`
	Ops        []dispatch.Op `json:"ops"`
}

// Send journals the batch. Every operation is accepted; an offline run has
// no per-operation failures.
func (t *FileTarget) Send(ctx context.Context, batch []*dispatch.Commands) (int, []dispatch.OpError, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.JournalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, nil, connector.Fatal(fmt.Errorf("journal: %w", err))
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	sent := 0
	for _, cmd := range batch {
		entry := journalEntry{
			Target:     t.Name,
			CommandsID: cmd.ID,
			User:       cmd.Key.String(),
			Ops:        cmd.Ops,
		}
		if err := enc.Encode(entry); err != nil {
			return sent, nil, connector.Fatal(fmt.Errorf("journal: %w", err))
		}
		sent += len(cmd.Ops)
	}
	return sent, nil, nil
}

func (t *FileTarget) CreateGroup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.createdGroups[identity.Normalize(name)] = struct{}{}
	return nil
}

func (t *FileTarget) ListGroups(ctx context.Context) (map[string]struct{}, error) {
	accounts, err := t.loadAccounts(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]struct{})
	for _, a := range accounts {
		for _, g := range a.Groups {
			out[g] = struct{}{}
		}
	}
	for g := range t.createdGroups {
		out[g] = struct{}{}
	}
	return out, nil
}
