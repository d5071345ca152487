// Package account handles parsing and validation of the account identifiers
// the engine keys balances, shares and loans by.
//
// User accounts are opaque ids supplied by the caller-identity layer. Two
// namespaces are reserved for accounts the engine owns itself:
//
//	vault:{pool}    backing account of a share vault
//	system:{name}   bootstrap issuance accounts (treasury, faucet, ...)
package account

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Account kinds.
const (
	KindUser   = "user"
	KindVault  = "vault"
	KindSystem = "system"
)

// idRegex matches user ids and the name part of reserved ids.
// Examples: alice, 0x70997970C51812dc3A010C7d01b50e0d17dc79C8, treasury-1
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,63}$`)

var (
	ErrInvalidID = errors.New("account: invalid account id")
	ErrReserved  = errors.New("account: reserved namespace")
)

// ID is a parsed account identifier.
type ID struct {
	Raw  string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// Parse parses and validates an account id of any kind.
func Parse(raw string) (*ID, error) {
	kind, name := KindUser, raw
	if prefix, rest, ok := strings.Cut(raw, ":"); ok {
		switch prefix {
		case KindVault, KindSystem:
			kind, name = prefix, rest
		default:
			return nil, fmt.Errorf("%w: %q (unknown namespace %q)", ErrInvalidID, raw, prefix)
		}
	}
	if !idRegex.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return &ID{Raw: raw, Kind: kind, Name: name}, nil
}

// ParseUser parses an id that must belong to an external caller. Reserved
// namespaces are rejected so a caller can never act as a vault.
func ParseUser(raw string) (*ID, error) {
	id, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if id.Kind != KindUser {
		return nil, fmt.Errorf("%w: %q", ErrReserved, raw)
	}
	return id, nil
}

// Vault returns the backing account id of the named pool.
func Vault(pool string) string {
	return KindVault + ":" + strings.ToLower(pool)
}

// System returns a bootstrap account id.
func System(name string) string {
	return KindSystem + ":" + name
}

// IsUser reports whether raw is a valid user account id.
func IsUser(raw string) bool {
	_, err := ParseUser(raw)
	return err == nil
}
