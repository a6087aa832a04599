// Package domain contains core concepts of the consultation session layer.
// This file defines expert identity and related invariants.
// No runtime, network, or UI logic should be added here.
package domain

import (
	"fmt"
	"strconv"

	"careline/errors"
)

// ExpertID is the stable numeric identifier of an expert.
// Display names are never used as identity.
type ExpertID int64

// ParseExpertID normalizes the identifier type before any registry lookup.
// The same logical id can arrive as a string or a number depending on the
// call site (JSON payloads, URL parameters, local state).
func ParseExpertID(v any) (ExpertID, error) {
	switch id := v.(type) {
	case ExpertID:
		return id, nil
	case int:
		return ExpertID(id), nil
	case int64:
		return ExpertID(id), nil
	case float64:
		return ExpertID(int64(id)), nil
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errors.ErrInvalidExpertID, id)
		}
		return ExpertID(n), nil
	default:
		return 0, fmt.Errorf("%w: %T", errors.ErrInvalidExpertID, v)
	}
}

func (e ExpertID) String() string {
	return strconv.FormatInt(int64(e), 10)
}

// Role of the authenticated party, supplied by the authentication
// collaborator. The session layer never verifies credentials itself.
type Role string

const (
	RoleUser   Role = "user"
	RoleExpert Role = "expert"
)

// Identity is the collaborator-supplied authentication context.
type Identity struct {
	ID   int64
	Role Role
}

// PeerID is the identity used on the signaling wire.
func (i Identity) PeerID() string {
	return strconv.FormatInt(i.ID, 10)
}
