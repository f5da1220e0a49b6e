package state

// ExhaustedPool stands in for the stability pool that absorbs stable-token
// losses before redeemers are haircut. Drawdown-first absorption is not
// built yet and the pool holds no balance, so every shortfall passes
// straight through to the haircut. Redeem-stable still consults it so the
// event records the (zero) coverage.
type ExhaustedPool struct{}

func NewExhaustedPool() ExhaustedPool {
	return ExhaustedPool{}
}

// Coverage splits a base-unit shortfall into the part the pool covers and
// the part left for the haircut.
func (ExhaustedPool) Coverage(shortfall uint64) (covered uint64, remaining uint64) {
	return 0, shortfall
}
