package state_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"laminar/internal/state"
	"strings"
	"testing"
)

func TestValidateRiskParams_Defaults(t *testing.T) {
	if err := state.ValidateRiskParams(state.DefaultRiskParams()); err != nil {
		t.Fatalf("default params rejected: %v", err)
	}
}

func TestValidateRiskParams_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*state.RiskParams)
	}{
		{"min cr equals target", func(p *state.RiskParams) { p.MinCRBps = p.TargetCRBps }},
		{"min cr below 100%", func(p *state.RiskParams) { p.MinCRBps = 9_999 }},
		{"min multiplier above 1x", func(p *state.RiskParams) { p.FeeMinMultiplierBps = 10_001 }},
		{"max multiplier below 1x", func(p *state.RiskParams) { p.FeeMaxMultiplierBps = 9_999 }},
		{"max multiplier above 4x", func(p *state.RiskParams) { p.FeeMaxMultiplierBps = 40_001 }},
		{"fee at 100%", func(p *state.RiskParams) { p.EquityRedeemFeeBps = 10_000 }},
		{"zero reserve cap", func(p *state.RiskParams) { p.MaxRoundingReserve = 0 }},
		{"zero staleness", func(p *state.RiskParams) { p.MaxStalenessSlots = 0 }},
		{"confidence above 100%", func(p *state.RiskParams) { p.MaxConfidenceBps = 10_001 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := state.DefaultRiskParams()
			tt.mutate(&p)
			err := state.ValidateRiskParams(p)
			if !errors.Is(err, state.ErrInvalidParameter) {
				t.Errorf("got %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestLedgerState_CanonicalBytesDeterministic(t *testing.T) {
	st := state.LedgerState{
		Version:         state.CurrentVersion,
		Authority:       "admin",
		CollateralUnits: 42,
		Risk:            state.DefaultRiskParams(),
	}
	a := st.CanonicalBytes()
	b := st.CanonicalBytes()
	if string(a) != string(b) {
		t.Fatal("canonical bytes differ across calls")
	}

	st.OperationCounter++
	if string(a) == string(st.CanonicalBytes()) {
		t.Error("counter change should change canonical bytes")
	}
}

func TestLedgerState_CheckVersion(t *testing.T) {
	st := state.LedgerState{Version: 0}
	if err := st.CheckVersion(); !errors.Is(err, state.ErrInvalidParameter) {
		t.Errorf("got %v, want ErrInvalidParameter", err)
	}
	st.Version = state.CurrentVersion
	if err := st.CheckVersion(); err != nil {
		t.Errorf("current version rejected: %v", err)
	}
}

func TestKind(t *testing.T) {
	if got := state.Kind(errors.Join(errors.New("ctx"), state.ErrStalePricing)); got != "stale_pricing" {
		t.Errorf("got %q", got)
	}
	if got := state.Kind(errors.New("other")); got != "internal" {
		t.Errorf("got %q", got)
	}
}

func TestLedgerState_CanonicalBytesLongAuthority(t *testing.T) {
	authority := strings.Repeat("k", 300)
	st := state.LedgerState{
		Version:             state.CurrentVersion,
		Authority:           authority,
		SupportedCollateral: "jitosol",
		Risk:                state.DefaultRiskParams(),
	}
	buf := st.CanonicalBytes()

	n, width := binary.Uvarint(buf[1:])
	if width <= 0 || n != 300 {
		t.Fatalf("authority prefix: got %d (width %d), want 300", n, width)
	}
	start := 1 + width
	if got := string(buf[start : start+300]); got != authority {
		t.Fatal("authority bytes not written in full")
	}

	// 300 wrapped to one byte would read as 44 and shift every later field
	short := st
	short.Authority = authority[:44]
	if bytes.Equal(buf, short.CanonicalBytes()) {
		t.Fatal("authorities of different length encode identically")
	}

	// strings under 128 bytes keep a single length byte
	st.Authority = "admin"
	if b := st.CanonicalBytes(); b[1] != 5 || string(b[2:7]) != "admin" {
		t.Errorf("short authority encoding changed: % x", b[:7])
	}
}
