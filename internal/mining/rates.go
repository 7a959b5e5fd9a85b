package mining

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RateTable maps a tier to its accrual rate in reward units per day.
type RateTable interface {
	Rate(tierID int) float64
}

// StaticRates is a fixed tier -> units/day table.
type StaticRates map[int]float64

// Rate never fails: unknown, negative or malformed tiers accrue nothing.
func (r StaticRates) Rate(tierID int) float64 {
	if tierID < 0 {
		return 0
	}
	v, ok := r[tierID]
	if !ok || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// MaxTier returns the highest tier with a rate, or -1 for an empty table.
func (r StaticRates) MaxTier() int {
	top := -1
	for tier := range r {
		if tier > top {
			top = tier
		}
	}
	return top
}

// DefaultRates is the upgrade ladder: 1 unit/day at tier 0, x1.5 per tier up to tier 9.
func DefaultRates() StaticRates {
	rates := make(StaticRates, 10)
	rate := 1.0
	for tier := 0; tier < 10; tier++ {
		rates[tier] = math.Round(rate*10000) / 10000
		rate *= 1.5
	}
	return rates
}

// ParseRates reads "tier:rate" pairs separated by commas, e.g. "0:1,1:1.5,2:2.25".
func ParseRates(s string) (StaticRates, error) {
	rates := make(StaticRates)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tierStr, rateStr, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("rate %q: expected tier:rate", pair)
		}
		tier, err := strconv.Atoi(strings.TrimSpace(tierStr))
		if err != nil || tier < 0 {
			return nil, fmt.Errorf("rate %q: invalid tier", pair)
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(rateStr), 64)
		if err != nil || rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			return nil, fmt.Errorf("rate %q: invalid rate", pair)
		}
		rates[tier] = rate
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("no rates in %q", s)
	}
	return rates, nil
}
