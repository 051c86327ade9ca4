package broker

// KRX tick-size grid (KOSPI/KOSDAQ, 2023 revision). Orders priced off the
// grid are rejected by the exchange, so every limit price goes through
// AdjustToTick before submission.
func TickSize(price int64) int64 {
	switch {
	case price < 2_000:
		return 1
	case price < 5_000:
		return 5
	case price < 20_000:
		return 10
	case price < 50_000:
		return 50
	case price < 200_000:
		return 100
	case price < 500_000:
		return 500
	default:
		return 1_000
	}
}

// AdjustToTick snaps price onto the tick grid. Buys round down and sells
// round up so the adjusted price never crosses the caller's intent.
func AdjustToTick(price int64, side Side) int64 {
	if price <= 0 {
		return 0
	}
	tick := TickSize(price)
	rem := price % tick
	if rem == 0 {
		return price
	}
	if side == Buy {
		return price - rem
	}
	return price + (tick - rem)
}
