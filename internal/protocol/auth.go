package protocol

import (
	"fmt"
	"strings"
)

// Authorizer decides whether a caller may perform owner-gated operations.
// Business logic depends only on this capability, so a timelocked or
// multi-signature owner can replace SingleOwner without touching it.
type Authorizer interface {
	Authorize(state *State, caller string) error
}

// SingleOwner grants admin rights to exactly State.Owner.
type SingleOwner struct{}

// Authorize fails closed: an empty caller or owner never matches.
func (SingleOwner) Authorize(state *State, caller string) error {
	if state == nil || state.Owner == "" || caller == "" {
		return fmt.Errorf("%w: owner not configured", ErrUnauthorized)
	}
	if !strings.EqualFold(state.Owner, caller) {
		return fmt.Errorf("%w: caller is not the protocol owner", ErrUnauthorized)
	}
	return nil
}
