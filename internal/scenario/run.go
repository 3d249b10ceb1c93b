package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/mbd888/agentbattle/internal/battle"
	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/timeline"
	"github.com/mbd888/agentbattle/internal/usdc"
)

// StepResult is the outcome of one scripted intent.
type StepResult struct {
	Index    int            `json:"index"`
	Intent   battle.Kind    `json:"intent"`
	Actor    string         `json:"actor,omitempty"`
	Accepted bool           `json:"accepted"`
	Reason   string         `json:"reason,omitempty"`
	State    protocol.State `json:"state"`
	Version  uint64         `json:"version"`

	RequesterStable string `json:"requesterStable"`
	ProviderStable  string `json:"providerStable"`
	Escrow          string `json:"escrow"`

	Events   []timeline.Event `json:"events,omitempty"`
	Failures []string         `json:"failures,omitempty"`
}

// Result is a full replay.
type Result struct {
	Name  string          `json:"name"`
	Steps []StepResult    `json:"steps"`
	Final battle.Snapshot `json:"final"`
}

// Passed reports whether every expectation held.
func (r *Result) Passed() bool {
	for _, s := range r.Steps {
		if len(s.Failures) > 0 {
			return false
		}
	}
	return true
}

// Failures lists every failed expectation, prefixed with its step.
func (r *Result) Failures() []string {
	var out []string
	for _, s := range r.Steps {
		for _, f := range s.Failures {
			out = append(out, fmt.Sprintf("step %d (%s): %s", s.Index+1, s.Intent, f))
		}
	}
	return out
}

// Run replays sc from a fresh snapshot built on base. Rejections are
// recorded, not returned; the error is reserved for cancellation and
// invariant breaches, which stop the replay.
func Run(ctx context.Context, sc *Scenario, base battle.Config, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	snap := battle.New(sc.Config(base))
	res := &Result{Name: sc.Name, Steps: make([]StepResult, 0, len(sc.Steps))}

	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			res.Final = snap
			return res, err
		}

		sr := StepResult{Index: i, Intent: battle.Kind(strings.ToUpper(string(st.Type))), Actor: st.Actor}
		next, err := apply(snap, st.Envelope)

		var inv *battle.InvariantError
		if errors.As(err, &inv) {
			res.Final = snap
			return res, fmt.Errorf("step %d: %w", i+1, err)
		}

		if err != nil {
			sr.Reason = reason(err)
			logger.Debug("scenario step rejected", "scenario", sc.Name, "step", i+1, "intent", sr.Intent, "reason", sr.Reason)
		} else {
			sr.Accepted = true
			sr.Events = newEvents(snap, next)
			snap = next
			logger.Debug("scenario step applied", "scenario", sc.Name, "step", i+1, "intent", sr.Intent, "state", snap.State())
		}
		sr.State = snap.State()
		sr.Version = snap.Version
		sr.RequesterStable = usdc.Format(snap.Ledger.Requester.Stable)
		sr.ProviderStable = usdc.Format(snap.Ledger.Provider.Stable)
		sr.Escrow = usdc.Format(snap.Ledger.Escrow)
		sr.Failures = check(st.Expect, sr, snap)
		res.Steps = append(res.Steps, sr)
	}

	res.Final = snap
	logger.Info("scenario finished", "scenario", sc.Name, "steps", len(res.Steps), "passed", res.Passed())
	return res, nil
}

func apply(s battle.Snapshot, env battle.Envelope) (battle.Snapshot, error) {
	in, err := env.Intent()
	if err != nil {
		return s, err
	}
	return battle.Reduce(s, in)
}

func reason(err error) string {
	var rej *battle.Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return err.Error()
}

// newEvents returns the events next added on top of prev. A reset clears
// the timeline, so everything in next is new.
func newEvents(prev, next battle.Snapshot) []timeline.Event {
	all := next.Timeline.Events()
	if n := prev.Timeline.Len(); next.Timeline.Len() >= n && next.Version > prev.Version {
		return all[n:]
	}
	return all
}

func check(e *Expect, sr StepResult, s battle.Snapshot) []string {
	if e == nil {
		if !sr.Accepted {
			return []string{"unexpected rejection: " + sr.Reason}
		}
		return nil
	}

	var failures []string
	switch {
	case e.Rejected && sr.Accepted:
		failures = append(failures, "expected rejection, intent was accepted")
	case !e.Rejected && !sr.Accepted:
		failures = append(failures, "unexpected rejection: "+sr.Reason)
	}
	if e.Reason != "" && !strings.Contains(sr.Reason, e.Reason) {
		failures = append(failures, fmt.Sprintf("reason %q does not contain %q", sr.Reason, e.Reason))
	}
	if e.State != "" {
		want, _ := protocol.ParseState(e.State)
		if got := s.State(); got != want {
			failures = append(failures, fmt.Sprintf("state is %s, want %s", got, want))
		}
	}
	balance := func(name string, want battle.Decimal, got *big.Int) {
		if want == "" {
			return
		}
		w, err := usdc.ParseUnits(string(want), usdc.Decimals)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			return
		}
		if got.Cmp(w) != 0 {
			failures = append(failures, fmt.Sprintf("%s is %s, want %s", name, usdc.Format(got), usdc.Format(w)))
		}
	}
	balance("requester balance", e.RequesterStable, s.Ledger.Requester.Stable)
	balance("provider balance", e.ProviderStable, s.Ledger.Provider.Stable)
	balance("escrow", e.Escrow, s.Ledger.Escrow)
	return failures
}
