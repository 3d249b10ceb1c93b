package transaction

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentbattle/internal/negotiation"
	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/usdc"
	"github.com/mbd888/agentbattle/internal/wallet"
)

var (
	requester = protocol.RoleRequester
	provider  = protocol.RoleProvider
	system    = protocol.RoleSystem
)

func newWorld() World {
	gas, _ := usdc.ParseUnits("0.05", usdc.GasDecimals)
	return World{
		Ledger: wallet.New(wallet.Balances{
			RequesterStable: usdc.MustParse("1000"),
			ProviderStable:  usdc.MustParse("100"),
			Gas:             gas,
		}),
		Clock: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func created(t *testing.T, amount string) World {
	t.Helper()
	w, err := Create(newWorld(), requester, CreateParams{
		Amount:        usdc.MustParse(amount),
		Description:   "Summarise 40 research papers",
		Deadline:      24 * time.Hour,
		DisputeWindow: time.Hour,
	})
	require.NoError(t, err)
	return w
}

func committed(t *testing.T, amount string) World {
	t.Helper()
	w, err := Link(created(t, amount), requester, true)
	require.NoError(t, err)
	return w
}

func delivered(t *testing.T, amount string) World {
	t.Helper()
	w, err := Start(committed(t, amount), provider)
	require.NoError(t, err)
	w, err = Deliver(w, provider, "ipfs://QmProof")
	require.NoError(t, err)
	return w
}

func TestTable_Lookup(t *testing.T) {
	assert.True(t, Permits(protocol.StateDisputed, protocol.StateSettled, system))
	assert.False(t, Permits(protocol.StateDisputed, protocol.StateSettled, requester))
	assert.True(t, Permits(protocol.StateDelivered, protocol.StateDisputed, provider))
	assert.False(t, Permits(protocol.StateDelivered, protocol.StateCancelled, requester))
	_, ok := Lookup(protocol.StateSettled, protocol.StateCancelled)
	assert.False(t, ok)

	// Only dispute resolution is open to the system.
	for _, tr := range Table {
		if tr.From == protocol.StateDisputed && tr.To == protocol.StateSettled {
			continue
		}
		assert.NotContains(t, tr.Actors, system, "%s -> %s", tr.From, tr.To)
	}
}

func TestCreate(t *testing.T) {
	w := created(t, "50")
	require.NotNil(t, w.Tx)
	assert.Equal(t, protocol.StateInitiated, w.Tx.State)
	assert.Len(t, w.Tx.ID, 66)
	assert.Equal(t, 1, w.Timeline.Len())

	last, _ := w.Timeline.Last()
	assert.Equal(t, "Transaction created", last.Title)
	assert.NotEmpty(t, last.TxHash)
	assert.NoError(t, w.Check())
}

func TestCreate_Rejections(t *testing.T) {
	w := created(t, "50")
	_, err := Create(w, requester, CreateParams{Amount: usdc.MustParse("1"), Description: "x", Deadline: time.Hour, DisputeWindow: time.Hour})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrActiveTransaction)

	_, err = Create(newWorld(), provider, CreateParams{Amount: usdc.MustParse("1"), Description: "x", Deadline: time.Hour, DisputeWindow: time.Hour})
	assert.ErrorIs(t, err, ErrWrongActor)

	_, err = Create(newWorld(), requester, CreateParams{Amount: usdc.MustParse("1"), Description: "  ", Deadline: time.Hour, DisputeWindow: time.Hour})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.False(t, errors.Is(err, ErrInvalidTransition))
}

func TestCreate_IDsDifferAcrossTransactions(t *testing.T) {
	w := created(t, "50")
	w, err := Cancel(w, requester)
	require.NoError(t, err)
	first := w.Tx.ID

	w, err = Create(w, requester, CreateParams{Amount: usdc.MustParse("50"), Description: "Summarise 40 research papers", Deadline: time.Hour, DisputeWindow: time.Hour})
	require.NoError(t, err)
	assert.NotEqual(t, first, w.Tx.ID)
	assert.Equal(t, uint64(2), w.Created)
}

func TestLink_RequiresApproval(t *testing.T) {
	w := created(t, "50")
	next, err := Link(w, requester, false)
	assert.ErrorIs(t, err, ErrEscrowNotApproved)
	assert.True(t, next.Equal(w))

	w, err = Approve(w, requester)
	require.NoError(t, err)
	assert.True(t, w.TokenApproved)
	_, err = Approve(w, requester)
	assert.ErrorIs(t, err, ErrAlreadyApproved)

	w, err = Link(w, requester, false)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCommitted, w.Tx.State)
	assert.Equal(t, "950.000000", usdc.Format(w.Ledger.Requester.Stable))
	assert.Equal(t, "50.000000", usdc.Format(w.Ledger.Escrow))
	assert.False(t, w.TokenApproved)
	assert.NoError(t, w.Check())
}

func TestLink_InsufficientBalance(t *testing.T) {
	w := created(t, "1000.000001")
	next, err := Link(w, requester, true)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)
	assert.True(t, next.Equal(w))
}

func TestNegotiatedCommit(t *testing.T) {
	w := created(t, "50")
	w, err := Quote(w, provider, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateQuoted, w.Tx.State)

	w, err = Counter(w, requester, usdc.MustParse("40"))
	require.NoError(t, err)
	w, err = Counter(w, provider, usdc.MustParse("45"))
	require.NoError(t, err)
	w, err = Accept(w, requester)
	require.NoError(t, err)

	assert.Equal(t, protocol.StateCommitted, w.Tx.State)
	assert.Equal(t, "45.000000", usdc.Format(w.Tx.Amount))
	assert.Equal(t, "45.000000", usdc.Format(w.Ledger.Escrow))
	assert.False(t, w.Negotiation.IsActive)
	assert.True(t, w.Tx.EscrowLinked)
	assert.NoError(t, w.Check())
}

func TestQuote_Rejections(t *testing.T) {
	w := created(t, "50")
	_, err := Quote(w, requester, nil, 3)
	assert.ErrorIs(t, err, ErrWrongActor)

	_, err = Quote(w, provider, nil, 9)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, negotiation.ErrInvalidMaxRounds)

	w, err = Quote(w, provider, nil, 3)
	require.NoError(t, err)
	_, err = Quote(w, provider, nil, 3)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCounter_WrongTurnLeavesWorld(t *testing.T) {
	w := created(t, "50")
	w, err := Quote(w, provider, usdc.MustParse("50"), 3)
	require.NoError(t, err)

	next, err := Counter(w, provider, usdc.MustParse("55"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, negotiation.ErrNotYourTurn)
	assert.True(t, next.Equal(w))
}

func TestDeliverAndRelease(t *testing.T) {
	w := delivered(t, "50")
	assert.Equal(t, w.Clock.Add(time.Hour), w.Tx.DisputeDeadline)

	_, err := Release(w, provider)
	assert.ErrorIs(t, err, ErrWrongActor)

	w, err = Release(w, requester)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateSettled, w.Tx.State)
	assert.Equal(t, "150.000000", usdc.Format(w.Ledger.Provider.Stable))
	assert.Equal(t, 0, w.Ledger.Escrow.Sign())
	assert.NoError(t, w.Check())
}

func TestDeliver_FromCommittedAndProofRequired(t *testing.T) {
	w := committed(t, "50")
	_, err := Deliver(w, provider, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	w, err = Deliver(w, provider, "sha256:abc")
	require.NoError(t, err)
	assert.Equal(t, protocol.StateDelivered, w.Tx.State)
	assert.Equal(t, "sha256:abc", w.Tx.DeliveryProof)
}

func TestRaiseDispute_Window(t *testing.T) {
	w := delivered(t, "50")

	late := w
	late.Clock = w.Tx.DisputeDeadline.Add(time.Second)
	_, err := RaiseDispute(late, requester, "late", "")
	assert.ErrorIs(t, err, ErrDisputeWindowClosed)

	onTime := w
	onTime.Clock = w.Tx.DisputeDeadline
	next, err := RaiseDispute(onTime, provider, "requester unresponsive", "")
	require.NoError(t, err)
	assert.Equal(t, protocol.StateDisputed, next.Tx.State)

	_, err = RaiseDispute(w, requester, " ", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSettleDispute_SystemOnly(t *testing.T) {
	w := delivered(t, "45")
	w, err := RaiseDispute(w, requester, "not as described", "screenshot")
	require.NoError(t, err)

	s := Settlement{Resolution: "split", RequesterShare: usdc.MustParse("22.5"), ProviderShare: usdc.MustParse("22.5")}
	_, err = SettleDispute(w, requester, s)
	assert.ErrorIs(t, err, ErrWrongActor)

	w, err = SettleDispute(w, system, s)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateSettled, w.Tx.State)
	assert.Equal(t, "977.500000", usdc.Format(w.Ledger.Requester.Stable))
	assert.Equal(t, "122.500000", usdc.Format(w.Ledger.Provider.Stable))
	assert.NoError(t, w.Check())
}

func TestCancel(t *testing.T) {
	t.Run("before escrow", func(t *testing.T) {
		w := created(t, "50")
		next, err := Cancel(w, requester)
		require.NoError(t, err)
		assert.Equal(t, protocol.StateCancelled, next.Tx.State)
		assert.True(t, next.Ledger.Equal(w.Ledger))
		last, _ := next.Timeline.Last()
		assert.Empty(t, last.TxHash)
	})

	t.Run("after escrow", func(t *testing.T) {
		w := committed(t, "50")
		next, err := Cancel(w, requester)
		require.NoError(t, err)
		assert.Equal(t, "1000.000000", usdc.Format(next.Ledger.Requester.Stable))
		assert.Equal(t, 0, next.Ledger.Escrow.Sign())
		assert.NoError(t, next.Check())
	})

	t.Run("during negotiation", func(t *testing.T) {
		w, err := Quote(created(t, "50"), provider, nil, 2)
		require.NoError(t, err)
		next, err := Cancel(w, requester)
		require.NoError(t, err)
		assert.False(t, next.Negotiation.IsActive)
	})

	t.Run("not after delivery", func(t *testing.T) {
		w := delivered(t, "50")
		_, err := Cancel(w, requester)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("provider cannot cancel", func(t *testing.T) {
		_, err := Cancel(created(t, "50"), provider)
		assert.ErrorIs(t, err, ErrWrongActor)
	})
}

func TestTerminal_RejectsEverything(t *testing.T) {
	w, err := Cancel(created(t, "50"), requester)
	require.NoError(t, err)

	steps := map[string]func(World) (World, error){
		"quote":   func(w World) (World, error) { return Quote(w, provider, nil, 0) },
		"link":    func(w World) (World, error) { return Link(w, requester, true) },
		"start":   func(w World) (World, error) { return Start(w, provider) },
		"deliver": func(w World) (World, error) { return Deliver(w, provider, "p") },
		"release": func(w World) (World, error) { return Release(w, requester) },
		"cancel":  func(w World) (World, error) { return Cancel(w, requester) },
	}
	for name, step := range steps {
		next, err := step(w)
		assert.ErrorIs(t, err, ErrTerminal, name)
		assert.True(t, next.Equal(w), name)
	}
}

func TestTransitionError_Message(t *testing.T) {
	_, err := Start(created(t, "50"), provider)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, protocol.StateInitiated, te.From)
	assert.Equal(t, protocol.StateInProgress, te.To)
	assert.Contains(t, err.Error(), "INITIATED -> IN_PROGRESS by provider")
}

func TestTransaction_JSON(t *testing.T) {
	w := delivered(t, "50")
	b, err := json.Marshal(w.Tx)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "50.000000", out["amount"])
	assert.Equal(t, "DELIVERED", out["state"])
	assert.EqualValues(t, 86400, out["deadline"])
	assert.EqualValues(t, 3600, out["disputeWindow"])
	assert.Contains(t, out, "disputeDeadline")
}
