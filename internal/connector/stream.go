package connector

import "github.com/umsync/syncctl/internal/identity"

// userSliceStream adapts an in-memory slice to the UserStream interface.
// Flat-file directory connectors and tests load everything up front and
// stream from here.
type userSliceStream struct {
	users []*identity.DirectoryUser
	pos   int
}

func NewUserSliceStream(users []*identity.DirectoryUser) UserStream {
	return &userSliceStream{users: users}
}

func (s *userSliceStream) Next() (*identity.DirectoryUser, error) {
	if s.pos >= len(s.users) {
		return nil, ErrEndOfStream
	}
	u := s.users[s.pos]
	s.pos++
	return u, nil
}

func (s *userSliceStream) Close() error {
	s.pos = len(s.users)
	return nil
}

type accountSliceStream struct {
	accounts []*identity.ObservedAccount
	pos      int
}

func NewAccountSliceStream(accounts []*identity.ObservedAccount) AccountStream {
	return &accountSliceStream{accounts: accounts}
}

func (s *accountSliceStream) Next() (*identity.ObservedAccount, error) {
	if s.pos >= len(s.accounts) {
		return nil, ErrEndOfStream
	}
	a := s.accounts[s.pos]
	s.pos++
	return a, nil
}

func (s *accountSliceStream) Close() error {
	s.pos = len(s.accounts)
	return nil
}
