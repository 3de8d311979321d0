// Package pricing converts listed fiat prices into Trade Coin settlement
// amounts.
//
// All arithmetic is integer. The exchange rate is carried in centi-units
// (fiat hundredths per star) so that a configured rate like "1.82" never
// touches floating point on the money path. Rounding is always up: the
// platform never under-collects because of rounding.
package pricing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidPrice = errors.New("pricing: price must be a positive whole amount")
	ErrInvalidRate  = errors.New("pricing: invalid exchange rate")
)

// Quote is the settlement-currency breakdown for one listed price.
type Quote struct {
	BaseFiat   int64 `json:"baseFiat"`
	BaseStars  int64 `json:"baseStars"`
	FeeStars   int64 `json:"feeStars"`
	TotalStars int64 `json:"totalStars"`
	FeePercent int64 `json:"feePercent"`
	RateCentis int64 `json:"rateCentis"` // fiat hundredths per star, e.g. 182 for 1.82
}

// Calculator produces deterministic quotes for a fixed rate and fee.
type Calculator struct {
	rateCentis int64
	feePercent int64
}

// NewCalculator creates a calculator. rateCentis is the exchange rate in
// fiat hundredths per star (182 means 1.82 fiat buys one star); feePercent
// is the platform fee in whole percent.
func NewCalculator(rateCentis, feePercent int64) (*Calculator, error) {
	if rateCentis <= 0 {
		return nil, ErrInvalidRate
	}
	if feePercent < 0 || feePercent > 100 {
		return nil, fmt.Errorf("pricing: fee percent %d out of range", feePercent)
	}
	return &Calculator{rateCentis: rateCentis, feePercent: feePercent}, nil
}

// ParseRate parses a decimal exchange rate like "1.82" into centi-units.
// At most two fractional digits are accepted.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidRate
	}
	whole, frac, _ := strings.Cut(s, ".")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, ErrInvalidRate
	}
	centis := w * 100
	if frac != "" {
		if len(frac) > 2 {
			return 0, fmt.Errorf("%w: at most two decimal places", ErrInvalidRate)
		}
		for len(frac) < 2 {
			frac += "0"
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, ErrInvalidRate
		}
		centis += f
	}
	if centis <= 0 {
		return 0, ErrInvalidRate
	}
	return centis, nil
}

// Quote converts a positive whole fiat price into stars.
//
//	baseStars  = ceil(base / rate)
//	totalStars = ceil(base * (1 + fee/100) / rate)
//	feeStars   = max(totalStars - baseStars, 0)
func (c *Calculator) Quote(baseFiat int64) (Quote, error) {
	if baseFiat <= 0 {
		return Quote{}, ErrInvalidPrice
	}

	baseStars := ceilDiv(baseFiat*100, c.rateCentis)
	totalStars := ceilDiv(baseFiat*(100+c.feePercent), c.rateCentis)
	feeStars := totalStars - baseStars
	if feeStars < 0 {
		feeStars = 0
	}

	return Quote{
		BaseFiat:   baseFiat,
		BaseStars:  baseStars,
		FeeStars:   feeStars,
		TotalStars: totalStars,
		FeePercent: c.feePercent,
		RateCentis: c.rateCentis,
	}, nil
}

// FeePercent returns the configured platform fee in whole percent.
func (c *Calculator) FeePercent() int64 { return c.feePercent }

// RateCentis returns the configured rate in fiat hundredths per star.
func (c *Calculator) RateCentis() int64 { return c.rateCentis }

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}
