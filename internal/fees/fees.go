// Package fees
package fees

// Calculator computes commission and tax for KRX fills. Rates are
// fractions, not percentages (0.0015 = 0.15%).
type Calculator struct {
	CommissionRate float64 // both sides
	TaxRate        float64 // sell side, securities transaction tax
	SpecialTaxRate float64 // sell side, special rural development tax
}

// NewDefault returns the rate set for a KIS retail account.
func NewDefault() Calculator {
	return Calculator{
		CommissionRate: 0.0000156,
		TaxRate:        0,
		SpecialTaxRate: 0.0015,
	}
}

// Buy returns the fee charged on a buy fill.
func (c Calculator) Buy(price float64, quantity int64) float64 {
	return price * float64(quantity) * c.CommissionRate
}

// Sell returns the fee plus taxes charged on a sell fill.
func (c Calculator) Sell(price float64, quantity int64) float64 {
	gross := price * float64(quantity)
	return gross * (c.CommissionRate + c.TaxRate + c.SpecialTaxRate)
}

// RoundTrip returns the total cost of buying at buyPrice and selling the
// same quantity at sellPrice.
func (c Calculator) RoundTrip(buyPrice, sellPrice float64, quantity int64) float64 {
	return c.Buy(buyPrice, quantity) + c.Sell(sellPrice, quantity)
}

// NetProfitRate returns the percent return of a position after round-trip
// fees: entry at entryPrice with already-paid buyFee, hypothetically sold
// at price.
func (c Calculator) NetProfitRate(entryPrice, price float64, quantity int64, buyFee float64) float64 {
	if entryPrice <= 0 || quantity <= 0 {
		return 0
	}
	cost := entryPrice * float64(quantity)
	proceeds := price*float64(quantity) - c.Sell(price, quantity)
	return (proceeds - cost - buyFee) / cost * 100
}
