package core_test

import (
	"laminar/internal/core"
	"laminar/internal/event"
	fpmath "laminar/internal/math"
	"laminar/internal/state"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

// --- Test helpers ---

func mustExecute(t *testing.T, e *core.Engine, kind event.OperationKind, st state.LedgerState, amount uint64) state.LedgerState {
	t.Helper()
	res, err := e.Execute(kind, st, pricing(rate105, price100), input(amount))
	if err != nil {
		t.Fatalf("%s(%d) failed: %v", kind, amount, err)
	}
	checkEffectsMatchState(t, st, res)
	return res.State
}

// fataler is satisfied by both *testing.T and *rapid.T
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func checkEffectsMatchState(t fataler, before state.LedgerState, res core.Result) {
	t.Helper()
	after := res.State
	coll, stable, equity, err := res.Effects.Net()
	if err != nil {
		t.Fatalf("net effects: %v", err)
	}

	if got := int64(after.CollateralUnits) - int64(before.CollateralUnits); got != coll {
		t.Fatalf("collateral: state moved %d, effects moved %d", got, coll)
	}
	if got := int64(after.StableSupply) - int64(before.StableSupply); got != stable {
		t.Fatalf("stable supply: state moved %d, effects moved %d", got, stable)
	}
	if got := int64(after.EquitySupply) - int64(before.EquitySupply); got != equity {
		t.Fatalf("equity supply: state moved %d, effects moved %d", got, equity)
	}
	if after.OperationCounter != before.OperationCounter+1 {
		t.Fatalf("counter: got %d, want %d", after.OperationCounter, before.OperationCounter+1)
	}
}

// ============================================================================
// Test: Full lifecycle
// ============================================================================

func TestLifecycle_BootstrapThroughRedemption(t *testing.T) {
	ip := initParams()
	res, err := core.Initialize(ip)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	st := res.State
	e := core.NewEngine()

	st = mustExecute(t, e, event.OpMintEquity, st, 1_000*oneBase)
	if st.EquitySupply != 1_050*oneBase {
		t.Fatalf("bootstrap equity: got %d", st.EquitySupply)
	}

	st = mustExecute(t, e, event.OpMintStable, st, 10*oneBase)
	st = mustExecute(t, e, event.OpRedeemStable, st, 200*oneQuote)
	st = mustExecute(t, e, event.OpRedeemEquity, st, 10*oneBase)

	if st.OperationCounter != 4 {
		t.Errorf("counter: got %d, want 4", st.OperationCounter)
	}

	bs, err := state.Compute(st, st.Pricing)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if bs.CRBps < st.Risk.MinCRBps {
		t.Errorf("cr %d below minimum after lifecycle", bs.CRBps)
	}
}

func TestLifecycle_TreasuryCollectsFees(t *testing.T) {
	res, _ := core.Initialize(initParams())
	e := core.NewEngine()

	out, err := e.Execute(event.OpMintEquity, res.State, pricing(rate105, price100), input(100*oneBase))
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	var toTreasury uint64
	for _, leg := range out.Effects.Legs {
		if leg.Kind == core.LegMint && leg.To == treasury {
			toTreasury += leg.Amount
		}
	}
	if fee := opEvent(t, out).Fee; toTreasury != fee || fee == 0 {
		t.Errorf("treasury minted %d, event fee %d", toTreasury, fee)
	}
}

// ============================================================================
// Test: Random operation sequences
// ============================================================================

func propertyState() state.LedgerState {
	st := newState(1_500*oneBase, 80_000*oneQuote, 0, 0)
	st.Risk.MaxRoundingReserve = oneBase
	st.Risk.FeeMinMultiplierBps = 10_000
	st.Risk.FeeMaxMultiplierBps = 40_000
	st.Risk.UncertaintyMaxBps = 20_000
	st.Pricing.SnapshotSlot = 0

	bs, _ := state.Compute(st, st.Pricing)
	st.EquitySupply = bs.Claimable
	return st
}

func TestEngine_RandomSequencesPreserveInvariants(t *testing.T) {
	kinds := []event.OperationKind{event.OpMintStable, event.OpRedeemStable, event.OpMintEquity, event.OpRedeemEquity}

	rapid.Check(t, func(t *rapid.T) {
		e := core.NewEngine()
		st := propertyState()
		steps := rapid.IntRange(1, 60).Draw(t, "steps")

		for i := 0; i < steps; i++ {
			slot := uint64(i + 1)
			p := state.PricingSnapshot{
				CollateralToBaseRate: rapid.Uint64Range(900_000_000, 1_150_000_000).Draw(t, "rate"),
				BasePriceInQuote:     rapid.Uint64Range(40_000_000, 160_000_000).Draw(t, "price"),
				ConfidenceBps:        10,
				SnapshotSlot:         slot,
			}
			kind := rapid.SampledFrom(kinds).Draw(t, "kind")

			var amount uint64
			switch kind {
			case event.OpMintStable, event.OpMintEquity:
				amount = rapid.Uint64Range(fpmath.MinCollateralDeposit, 50*oneBase).Draw(t, "collateral")
			case event.OpRedeemStable:
				amount = rapid.Uint64Range(1, 5_000*oneQuote).Draw(t, "stable")
			default:
				amount = rapid.Uint64Range(1, 50*oneBase).Draw(t, "equity")
			}

			in := core.Input{
				TopLevel:    true,
				OperationID: uuid.New(),
				User:        alice,
				Collateral:  collateralAsset,
				Amount:      amount,
				CurrentSlot: slot,
				Timestamp:   fixedNow,
			}

			before, _ := state.Compute(st, p)
			res, err := e.Execute(kind, st, p, in)
			if err != nil {
				if state.IsFatal(err) {
					t.Fatalf("step %d %s: fatal error: %v", i, kind, err)
				}
				continue
			}

			checkEffectsMatchState(t, st, res)

			after, err := state.Compute(res.State, p)
			if err != nil {
				t.Fatalf("step %d: post-state unreadable: %v", i, err)
			}
			if after.Reserve > res.State.Risk.MaxRoundingReserve {
				t.Fatalf("step %d: reserve %d above cap", i, after.Reserve)
			}

			switch kind {
			case event.OpRedeemStable:
				// Solvent redemptions retain the fee, so CR can only improve
				// beyond rounding dust.
				if before.CRBps >= fpmath.BPS && after.Liability >= oneBase && after.CRBps+1 < before.CRBps {
					t.Fatalf("step %d: cr fell %d -> %d on solvent redemption", i, before.CRBps, after.CRBps)
				}
			case event.OpRedeemEquity:
				if after.Liability != before.Liability {
					t.Fatalf("step %d: equity redemption moved liability %d -> %d", i, before.Liability, after.Liability)
				}
			case event.OpMintStable:
				if after.CRBps < res.State.Risk.MinCRBps {
					t.Fatalf("step %d: mint left cr %d below minimum", i, after.CRBps)
				}
			}

			st = res.State
		}
	})
}

// ============================================================================
// Test: Mint then redeem at an unchanged price never pays out dust
// ============================================================================

func TestEngine_RoundTripNeverReturnsMoreThanDeposit(t *testing.T) {
	tranches := []struct {
		mint, redeem event.OperationKind
	}{
		{event.OpMintStable, event.OpRedeemStable},
		{event.OpMintEquity, event.OpRedeemEquity},
	}

	rapid.Check(t, func(t *rapid.T) {
		e := core.NewEngine()
		tr := rapid.SampledFrom(tranches).Draw(t, "tranche")

		st := propertyState()
		st.Risk.StableMintFeeBps = 0
		st.Risk.StableRedeemFeeBps = 0
		st.Risk.EquityMintFeeBps = 0
		st.Risk.EquityRedeemFeeBps = 0
		st.RoundingReserve = rapid.Uint64Range(0, st.Risk.MaxRoundingReserve/2).Draw(t, "reserve")

		p := state.PricingSnapshot{
			CollateralToBaseRate: rapid.Uint64Range(1_000_000_000, 1_150_000_000).Draw(t, "rate"),
			BasePriceInQuote:     rapid.Uint64Range(80_000_000, 160_000_000).Draw(t, "price"),
			ConfidenceBps:        10,
			SnapshotSlot:         1,
		}
		deposit := rapid.Uint64Range(fpmath.MinCollateralDeposit, 50*oneBase).Draw(t, "deposit")

		in := core.Input{
			TopLevel:    true,
			OperationID: uuid.New(),
			User:        alice,
			Collateral:  collateralAsset,
			Amount:      deposit,
			CurrentSlot: 1,
			Timestamp:   fixedNow,
		}

		minted, err := e.Execute(tr.mint, st, p, in)
		if err != nil {
			if state.IsFatal(err) {
				t.Fatalf("%s: fatal error: %v", tr.mint, err)
			}
			return
		}
		checkEffectsMatchState(t, st, minted)
		mintEvt := minted.Event.(*event.OperationEvent)
		if mintEvt.Fee != 0 {
			t.Fatalf("%s: fee %d with zero base fees", tr.mint, mintEvt.Fee)
		}

		in.OperationID = uuid.New()
		in.Amount = mintEvt.AmountOut
		redeemed, err := e.Execute(tr.redeem, minted.State, p, in)
		if err != nil {
			if state.IsFatal(err) {
				t.Fatalf("%s: fatal error: %v", tr.redeem, err)
			}
			return
		}
		checkEffectsMatchState(t, minted.State, redeemed)
		redeemEvt := redeemed.Event.(*event.OperationEvent)

		if redeemEvt.AmountOut > deposit {
			t.Fatalf("%s then %s: paid out %d for a deposit of %d", tr.mint, tr.redeem, redeemEvt.AmountOut, deposit)
		}

		final := redeemed.State
		if final.CollateralUnits < st.CollateralUnits {
			t.Fatalf("vault shrank across the round trip: %d -> %d", st.CollateralUnits, final.CollateralUnits)
		}
		if final.StableSupply != st.StableSupply || final.EquitySupply != st.EquitySupply {
			t.Fatalf("supply not restored: stable %d -> %d, equity %d -> %d",
				st.StableSupply, final.StableSupply, st.EquitySupply, final.EquitySupply)
		}

		funded := st.RoundingReserve + mintEvt.ReserveCredit
		if redeemEvt.ReserveDebit > funded {
			t.Fatalf("reserve debit %d exceeds reserve %d", redeemEvt.ReserveDebit, funded)
		}
		if final.RoundingReserve != funded-redeemEvt.ReserveDebit {
			t.Fatalf("reserve: got %d, want %d", final.RoundingReserve, funded-redeemEvt.ReserveDebit)
		}
		if final.RoundingReserve > final.Risk.MaxRoundingReserve {
			t.Fatalf("reserve %d above cap", final.RoundingReserve)
		}
	})
}
