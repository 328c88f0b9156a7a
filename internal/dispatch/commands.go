package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/umsync/syncctl/internal/identity"
)

var ErrInvalidCommands = errors.New("dispatch: invalid commands")

// OpKind enumerates the primitive identity-service mutations.
type OpKind string

const (
	OpCreate          OpKind = "create"
	OpUpdate          OpKind = "update"
	OpAddGroups       OpKind = "add_groups"
	OpRemoveGroups    OpKind = "remove_groups"
	OpRemoveAllGroups OpKind = "remove_all_groups"
	OpRemoveFromOrg   OpKind = "remove_from_org"
)

// CreateDirective controls what a create does when the account already
// exists.
type CreateDirective string

const (
	// IgnoreIfExists leaves an existing account untouched.
	IgnoreIfExists CreateDirective = "ignoreIfAlreadyExists"
	// UpdateIfExists folds the create's attributes into an existing
	// account, used by the primary target when attribute sync is on.
	UpdateIfExists CreateDirective = "updateIfAlreadyExists"
)

// Op is one primitive operation inside a command batch.
type Op struct {
	Kind       OpKind
	Attributes map[string]string
	Groups     []string
	Directive  CreateDirective
	// DeleteAccount upgrades a remove-from-org to a full account-and-data
	// deletion.
	DeleteAccount bool
}

// Commands is an ordered list of operations addressed to one user key in
// one target. Operations execute in the order added.
type Commands struct {
	ID     string
	Target string
	Key    identity.Key
	Ops    []Op
}

func NewCommands(target string, key identity.Key) *Commands {
	return &Commands{
		ID:     uuid.NewString(),
		Target: target,
		Key:    key,
	}
}

func (c *Commands) Len() int { return len(c.Ops) }

func (c *Commands) CreateAccount(attributes map[string]string, directive CreateDirective) *Commands {
	c.Ops = append(c.Ops, Op{Kind: OpCreate, Attributes: attributes, Directive: directive})
	return c
}

func (c *Commands) UpdateAttributes(attributes map[string]string) *Commands {
	if len(attributes) > 0 {
		c.Ops = append(c.Ops, Op{Kind: OpUpdate, Attributes: attributes})
	}
	return c
}

func (c *Commands) AddGroups(names []string) *Commands {
	if len(names) > 0 {
		c.Ops = append(c.Ops, Op{Kind: OpAddGroups, Groups: names})
	}
	return c
}

func (c *Commands) RemoveGroups(names []string) *Commands {
	if len(names) > 0 {
		c.Ops = append(c.Ops, Op{Kind: OpRemoveGroups, Groups: names})
	}
	return c
}

func (c *Commands) RemoveAllGroups() *Commands {
	c.Ops = append(c.Ops, Op{Kind: OpRemoveAllGroups})
	return c
}

func (c *Commands) RemoveFromOrg(deleteAccount bool) *Commands {
	c.Ops = append(c.Ops, Op{Kind: OpRemoveFromOrg, DeleteAccount: deleteAccount})
	return c
}

// Validate enforces the fields dispatch requires before queuing.
func (c *Commands) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCommands)
	}
	if c.Key.Username == "" {
		return fmt.Errorf("%w: missing user key", ErrInvalidCommands)
	}
	return nil
}

// OpError correlates one failed operation inside an accepted batch back to
// its Commands.
type OpError struct {
	CommandsID string
	OpIndex    int
	Message    string
}

// Sender executes one accepted batch of command lists against an
// identity-service target. sent is the number of operations the service
// accepted; opErrs carries per-operation failures within an otherwise
// successful call. A returned error is a batch-level failure, transient or
// fatal per the connector package's taxonomy.
type Sender interface {
	Send(ctx context.Context, batch []*Commands) (sent int, opErrs []OpError, err error)
}

// Callback observes the outcome of every dispatched operation. err is nil
// on success; a batch-level failure is reported against every operation in
// the batch since each outcome is then unknown.
type Callback func(cmd *Commands, opIndex int, err error)
