package dispute

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/transaction"
	"github.com/mbd888/agentbattle/internal/usdc"
	"github.com/mbd888/agentbattle/internal/wallet"
)

func disputed(t *testing.T, amount string) transaction.World {
	t.Helper()
	w := transaction.World{
		Ledger: wallet.New(wallet.Balances{
			RequesterStable: usdc.MustParse("1000"),
			ProviderStable:  usdc.MustParse("100"),
			Gas:             big.NewInt(0),
		}),
		Clock: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	w, err := transaction.Create(w, protocol.RoleRequester, transaction.CreateParams{
		Amount: usdc.MustParse(amount), Description: "Translate docs", Deadline: time.Hour, DisputeWindow: time.Hour,
	})
	require.NoError(t, err)
	w, err = transaction.Link(w, protocol.RoleRequester, true)
	require.NoError(t, err)
	w, err = transaction.Deliver(w, protocol.RoleProvider, "proof")
	require.NoError(t, err)
	w, err = transaction.RaiseDispute(w, protocol.RoleRequester, "not as described", "")
	require.NoError(t, err)
	return w
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		amount   *big.Int
		res      Resolution
		wantReq  int64
		wantProv int64
	}{
		{"refund", big.NewInt(45_000_000), RefundRequester, 45_000_000, 0},
		{"release", big.NewInt(45_000_000), ReleaseToProvider, 0, 45_000_000},
		{"split even", big.NewInt(45_000_000), Split, 22_500_000, 22_500_000},
		{"split odd goes to requester", big.NewInt(3), Split, 2, 1},
		{"split one unit", big.NewInt(1), Split, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, prov, err := Compute(tt.amount, tt.res)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReq, req.Int64())
			assert.Equal(t, tt.wantProv, prov.Int64())
			assert.Equal(t, 0, new(big.Int).Add(req, prov).Cmp(tt.amount))
		})
	}

	_, _, err := Compute(big.NewInt(10), ResolutionUnknown)
	assert.ErrorIs(t, err, ErrUnknownResolution)
}

func TestParse(t *testing.T) {
	for _, r := range Resolutions {
		got, err := Parse(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	got, err := Parse("Refund")
	require.NoError(t, err)
	assert.Equal(t, RefundRequester, got)

	_, err = Parse("coin_flip")
	assert.ErrorIs(t, err, ErrUnknownResolution)
}

func TestResolve_Split(t *testing.T) {
	w := disputed(t, "45")
	w, err := Resolve(w, protocol.RoleSystem, Split)
	require.NoError(t, err)

	assert.Equal(t, protocol.StateSettled, w.Tx.State)
	assert.Equal(t, "split", w.Tx.Resolution)
	assert.Equal(t, "977.500000", usdc.Format(w.Ledger.Requester.Stable))
	assert.Equal(t, "122.500000", usdc.Format(w.Ledger.Provider.Stable))
	assert.NoError(t, w.Check())

	last, _ := w.Timeline.Last()
	assert.Equal(t, protocol.RoleSystem, last.Actor)
	assert.Contains(t, last.Description, "not as described")
}

func TestResolve_OddAmount(t *testing.T) {
	w := disputed(t, "0.000003")
	w, err := Resolve(w, protocol.RoleSystem, Split)
	require.NoError(t, err)
	assert.Equal(t, "999.999999", usdc.Format(w.Ledger.Requester.Stable))
	assert.Equal(t, "100.000001", usdc.Format(w.Ledger.Provider.Stable))
	assert.NoError(t, w.Check())
}

func TestResolve_Refund(t *testing.T) {
	w, err := Resolve(disputed(t, "50"), protocol.RoleSystem, RefundRequester)
	require.NoError(t, err)
	assert.Equal(t, "1000.000000", usdc.Format(w.Ledger.Requester.Stable))
	assert.Equal(t, "100.000000", usdc.Format(w.Ledger.Provider.Stable))
}

func TestResolve_Rejections(t *testing.T) {
	w := disputed(t, "50")

	next, err := Resolve(w, protocol.RoleRequester, Split)
	assert.ErrorIs(t, err, transaction.ErrInvalidTransition)
	assert.True(t, next.Equal(w))

	_, err = Resolve(w, protocol.RoleSystem, ResolutionUnknown)
	assert.ErrorIs(t, err, transaction.ErrInvalidInput)

	settled, err := Resolve(w, protocol.RoleSystem, ReleaseToProvider)
	require.NoError(t, err)
	_, err = Resolve(settled, protocol.RoleSystem, Split)
	assert.ErrorIs(t, err, transaction.ErrTerminal)
}
