package identity

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

var (
	ErrInvalidKey          = errors.New("identity: invalid key")
	ErrUnknownIdentityType = errors.New("identity: unknown identity type")
)

// Type is the closed set of account identity types the service recognizes.
type Type string

const (
	AdobeID      Type = "adobeID"
	EnterpriseID Type = "enterpriseID"
	FederatedID  Type = "federatedID"
)

var folder = cases.Fold()

// Normalize trims surrounding whitespace and Unicode case-folds the value.
// Key construction normalizes every input through this one function so that
// keys stored to and read back from the stray list compare byte-for-byte.
func Normalize(s string) string {
	return folder.String(strings.TrimSpace(s))
}

// ParseType resolves a configured identity-type string, case-insensitively.
func ParseType(raw string) (Type, error) {
	switch Normalize(raw) {
	case "adobeid", "adobe":
		return AdobeID, nil
	case "enterpriseid", "enterprise":
		return EnterpriseID, nil
	case "federatedid", "federated":
		return FederatedID, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownIdentityType, raw)
	}
}

// Key identifies one person across the directory and every target org.
// It is a value type and is used directly as a map key.
type Key struct {
	Type     Type
	Username string
	Domain   string
}

// ComputeKey builds the canonical key for a user. It is pure and
// deterministic: all inputs are normalized, username falls back to email
// when empty, and an email-form username forces the domain empty. A
// non-email username with no domain is rejected.
func ComputeKey(typ Type, username, domain, email string) (Key, error) {
	switch typ {
	case AdobeID, EnterpriseID, FederatedID:
	default:
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownIdentityType, typ)
	}

	name := Normalize(username)
	if name == "" {
		name = Normalize(email)
	}
	if name == "" {
		return Key{}, fmt.Errorf("%w: missing username and email", ErrInvalidKey)
	}

	dom := Normalize(domain)
	if strings.Contains(name, "@") {
		dom = ""
	} else if dom == "" {
		return Key{}, fmt.Errorf("%w: username %q requires a domain", ErrInvalidKey, name)
	}

	return Key{Type: typ, Username: name, Domain: dom}, nil
}

func (k Key) String() string {
	if k.Domain == "" {
		return string(k.Type) + ":" + k.Username
	}
	return string(k.Type) + ":" + k.Username + ":" + k.Domain
}
