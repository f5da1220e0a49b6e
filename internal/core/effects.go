package core

import (
	"fmt"
	"laminar/internal/state"
	"math"

	"github.com/google/uuid"
)

// LegKind is one primitive value movement the custody layer must execute
type LegKind uint8

const (
	LegTransferIn    LegKind = iota + 1 // collateral: From -> vault
	LegTransferOut                      // collateral: vault -> To
	LegMint                             // token issued to To
	LegBurn                             // token destroyed from From
	LegTransferToken                    // token moved From -> To
)

func (k LegKind) String() string {
	switch k {
	case LegTransferIn:
		return "transfer_in"
	case LegTransferOut:
		return "transfer_out"
	case LegMint:
		return "mint"
	case LegBurn:
		return "burn"
	case LegTransferToken:
		return "transfer_token"
	default:
		return "unknown"
	}
}

// Leg describes a single transfer, mint or burn. From/To are uuid.Nil where
// the kind does not use them.
type Leg struct {
	Kind   LegKind
	Asset  state.Asset
	From   uuid.UUID
	To     uuid.UUID
	Amount uint64
}

// Effects is the ordered list of legs a committed operation requires.
// The caller executes them all or none.
type Effects struct {
	Legs []Leg
}

func (e *Effects) add(l Leg) {
	if l.Amount == 0 {
		return
	}
	e.Legs = append(e.Legs, l)
}

func (e *Effects) transferIn(from uuid.UUID, amount uint64) {
	e.add(Leg{Kind: LegTransferIn, Asset: state.AssetCollateral, From: from, Amount: amount})
}

func (e *Effects) transferOut(to uuid.UUID, amount uint64) {
	e.add(Leg{Kind: LegTransferOut, Asset: state.AssetCollateral, To: to, Amount: amount})
}

func (e *Effects) mint(asset state.Asset, to uuid.UUID, amount uint64) {
	e.add(Leg{Kind: LegMint, Asset: asset, To: to, Amount: amount})
}

func (e *Effects) burn(asset state.Asset, from uuid.UUID, amount uint64) {
	e.add(Leg{Kind: LegBurn, Asset: asset, From: from, Amount: amount})
}

func (e *Effects) transferToken(asset state.Asset, from, to uuid.UUID, amount uint64) {
	e.add(Leg{Kind: LegTransferToken, Asset: asset, From: from, To: to, Amount: amount})
}

// Net returns the signed change the effects make to the vault collateral
// and to each token's outstanding supply. An amount or running total that
// does not fit an int64 is an overflow.
func (e Effects) Net() (collateral, stable, equity int64, err error) {
	for _, l := range e.Legs {
		if l.Amount > math.MaxInt64 {
			return 0, 0, 0, fmt.Errorf("net effects: %w: %s leg amount %d", state.ErrOverflow, l.Kind, l.Amount)
		}
		amt := int64(l.Amount)
		if l.Kind == LegTransferOut || l.Kind == LegBurn {
			amt = -amt
		}

		var total *int64
		switch l.Kind {
		case LegTransferIn, LegTransferOut:
			total = &collateral
		case LegMint, LegBurn:
			switch l.Asset {
			case state.AssetStable:
				total = &stable
			case state.AssetEquity:
				total = &equity
			}
		}
		if total == nil {
			continue
		}
		if (amt > 0 && *total > math.MaxInt64-amt) || (amt < 0 && *total < math.MinInt64-amt) {
			return 0, 0, 0, fmt.Errorf("net effects: %w: %s total", state.ErrOverflow, l.Asset)
		}
		*total += amt
	}
	return collateral, stable, equity, nil
}
