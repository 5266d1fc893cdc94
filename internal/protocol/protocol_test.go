package protocol

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerAddr   = "0x1111111111111111111111111111111111111111"
	custodyAddr = "0xc0ffee0000000000000000000000000000000000"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrUnauthorized, "unauthorized"},
		{fmt.Errorf("%w: tier 9", ErrInvalidParameters), "invalid_parameters"},
		{fmt.Errorf("outer: %w", fmt.Errorf("%w: inner", ErrCooldownActive)), "cooldown_active"},
		{ErrMaxCoverageExceeded, "max_coverage_exceeded"},
		{errors.New("boom"), "internal_error"},
		{nil, "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err))
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrUnauthorized, http.StatusForbidden},
		{ErrNoPolicyExists, http.StatusNotFound},
		{fmt.Errorf("%w: ledger", ErrFundsInsufficient), http.StatusPaymentRequired},
		{ErrPolicyTerminated, http.StatusConflict},
		{ErrDuplicateClaim, http.StatusConflict},
		{ErrCooldownActive, http.StatusTooEarly},
		{ErrRiskScoreHigh, http.StatusUnprocessableEntity},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}

func TestNewState(t *testing.T) {
	st, err := NewState("0x1111111111111111111111111111111111111111", custodyAddr, Params{
		BasePremium:  DefaultBasePremium,
		ClaimCeiling: DefaultClaimCeiling,
	})
	require.NoError(t, err)
	assert.Equal(t, ownerAddr, st.Owner)
	assert.Equal(t, custodyAddr, st.Custody)
	assert.Zero(t, st.ReservePool)

	_, err = NewState("not-an-address", custodyAddr, Params{ClaimCeiling: 1})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = NewState(ownerAddr, custodyAddr, Params{})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestTotalCustody(t *testing.T) {
	st := &State{ReservePool: 10, StakePool: 20, RewardPool: 5}
	total, ok := st.TotalCustody()
	require.True(t, ok)
	assert.Equal(t, uint64(35), total)

	st = &State{ReservePool: math.MaxUint64, StakePool: 1}
	_, ok = st.TotalCustody()
	assert.False(t, ok)
}

func TestSingleOwner(t *testing.T) {
	st := &State{Owner: ownerAddr}
	auth := SingleOwner{}

	assert.NoError(t, auth.Authorize(st, ownerAddr))
	assert.NoError(t, auth.Authorize(&State{Owner: "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"}, "0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD"))
	assert.ErrorIs(t, auth.Authorize(st, "0x2222222222222222222222222222222222222222"), ErrUnauthorized)
	assert.ErrorIs(t, auth.Authorize(st, ""), ErrUnauthorized)
	assert.ErrorIs(t, auth.Authorize(&State{}, ""), ErrUnauthorized)
	assert.ErrorIs(t, auth.Authorize(nil, ownerAddr), ErrUnauthorized)
}

func TestIsAccount(t *testing.T) {
	assert.True(t, IsAccount(ownerAddr))
	assert.True(t, IsAccount(custodyAddr))
	assert.False(t, IsAccount("1111111111111111111111111111111111111111"))
	assert.False(t, IsAccount("0x123"))
	assert.False(t, IsAccount(""))
}
