package negotiation

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/usdc"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func open(t *testing.T, maxRounds int) *State {
	t.Helper()
	s, err := Open(protocol.RoleProvider, usdc.MustParse("50"), maxRounds, t0, "tx1")
	require.NoError(t, err)
	return s
}

func TestOpen(t *testing.T) {
	s := open(t, 0)
	assert.Equal(t, DefaultMaxRounds, s.MaxRounds)
	assert.Equal(t, 0, s.CurrentRound)
	assert.True(t, s.IsActive)
	assert.Equal(t, protocol.RoleRequester, s.WhoseTurn)
	require.Len(t, s.History, 1)
	assert.Equal(t, OfferInitial, s.CurrentOffer.Type)
	assert.Equal(t, "50.000000", usdc.Format(s.CurrentOffer.Amount))
	assert.NoError(t, s.Check())
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(protocol.RoleRequester, usdc.MustParse("50"), 3, t0, "tx1")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = Open(protocol.RoleProvider, big.NewInt(0), 3, t0, "tx1")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	for _, n := range []int{-1, 6, 100} {
		_, err = Open(protocol.RoleProvider, usdc.MustParse("1"), n, t0, "tx1")
		assert.ErrorIs(t, err, ErrInvalidMaxRounds, "maxRounds=%d", n)
	}
}

func TestCounter_AlternatesTurns(t *testing.T) {
	s := open(t, 3)

	s1, err := s.Counter(protocol.RoleRequester, usdc.MustParse("40"), t0, "tx1")
	require.NoError(t, err)
	assert.Equal(t, 1, s1.CurrentRound)
	assert.Equal(t, protocol.RoleProvider, s1.WhoseTurn)
	assert.Equal(t, OfferCounter, s1.CurrentOffer.Type)

	_, err = s1.Counter(protocol.RoleRequester, usdc.MustParse("39"), t0, "tx1")
	assert.ErrorIs(t, err, ErrNotYourTurn)

	s2, err := s1.Counter(protocol.RoleProvider, usdc.MustParse("45"), t0, "tx1")
	require.NoError(t, err)
	assert.Equal(t, 2, s2.CurrentRound)
	assert.Equal(t, protocol.RoleRequester, s2.WhoseTurn)
	require.Len(t, s2.History, 3)
	assert.NoError(t, s2.Check())

	for i := 1; i < len(s2.History); i++ {
		assert.NotEqual(t, s2.History[i-1].From, s2.History[i].From)
		assert.Equal(t, i, s2.History[i].Round)
	}

	// Earlier states are unchanged.
	assert.Len(t, s.History, 1)
	assert.Len(t, s1.History, 2)
	assert.Equal(t, "40.000000", usdc.Format(s1.CurrentOffer.Amount))
}

func TestCounter_UpwardAllowed(t *testing.T) {
	s := open(t, 3)
	next, err := s.Counter(protocol.RoleRequester, usdc.MustParse("60"), t0, "tx1")
	require.NoError(t, err)
	assert.Equal(t, "60.000000", usdc.Format(next.CurrentOffer.Amount))
}

func TestCounter_RoundBound(t *testing.T) {
	s := open(t, 1)
	s1, err := s.Counter(protocol.RoleRequester, usdc.MustParse("40"), t0, "tx1")
	require.NoError(t, err)
	assert.Equal(t, 0, s1.RoundsLeft())

	s2, err := s1.Counter(protocol.RoleProvider, usdc.MustParse("45"), t0, "tx1")
	assert.ErrorIs(t, err, ErrMaxCounterRounds)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, s1.CurrentRound)

	accepted, offer, err := s1.Accept(protocol.RoleProvider)
	require.NoError(t, err)
	assert.False(t, accepted.IsActive)
	assert.Equal(t, "40.000000", usdc.Format(offer.Amount))
}

func TestCounter_InvalidAmount(t *testing.T) {
	s := open(t, 3)
	_, err := s.Counter(protocol.RoleRequester, big.NewInt(-5), t0, "tx1")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = s.Counter(protocol.RoleRequester, nil, t0, "tx1")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAccept(t *testing.T) {
	s := open(t, 3)

	_, _, err := s.Accept(protocol.RoleProvider)
	assert.ErrorIs(t, err, ErrNotYourTurn)

	done, offer, err := s.Accept(protocol.RoleRequester)
	require.NoError(t, err)
	assert.False(t, done.IsActive)
	assert.Equal(t, s.CurrentOffer.ID, offer.ID)
	assert.True(t, s.IsActive)

	_, _, err = done.Accept(protocol.RoleRequester)
	assert.ErrorIs(t, err, ErrNotActive)
	_, err = done.Counter(protocol.RoleRequester, usdc.MustParse("1"), t0, "tx1")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestClose(t *testing.T) {
	s := open(t, 3)
	closed := s.Close()
	assert.False(t, closed.IsActive)
	assert.True(t, s.IsActive)
	assert.Equal(t, 0, closed.RoundsLeft())

	var nilState *State
	assert.Nil(t, nilState.Close())
}

func TestCheck_DetectsDesync(t *testing.T) {
	s := open(t, 3)
	s.CurrentRound = 2
	assert.ErrorIs(t, s.Check(), ErrDesync)
}

func TestOfferIDs_Deterministic(t *testing.T) {
	a := open(t, 3)
	b := open(t, 3)
	assert.Equal(t, a.CurrentOffer.ID, b.CurrentOffer.ID)

	c, err := Open(protocol.RoleProvider, usdc.MustParse("50"), 3, t0, "tx2")
	require.NoError(t, err)
	assert.NotEqual(t, a.CurrentOffer.ID, c.CurrentOffer.ID)
}

func TestOffer_JSON(t *testing.T) {
	s := open(t, 3)
	b, err := json.Marshal(s)
	require.NoError(t, err)

	var out struct {
		WhoseTurn    string `json:"whoseTurn"`
		CurrentOffer struct {
			Amount string `json:"amount"`
			Type   string `json:"type"`
			From   string `json:"from"`
		} `json:"currentOffer"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "requester", out.WhoseTurn)
	assert.Equal(t, "50.000000", out.CurrentOffer.Amount)
	assert.Equal(t, "initial", out.CurrentOffer.Type)
	assert.Equal(t, "provider", out.CurrentOffer.From)
}
