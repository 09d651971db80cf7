package bundle

import (
	"time"

	"github.com/shopspring/decimal"
)

// VerificationLevel selects how tight a quote's confidence interval must be.
type VerificationLevel int

const (
	VerificationNone   VerificationLevel = 0
	VerificationBasic  VerificationLevel = 1
	VerificationStrict VerificationLevel = 2
)

var (
	maxRatioNone   = decimal.NewFromInt(1)
	maxRatioBasic  = decimal.New(1, -2)
	maxRatioStrict = decimal.New(1, -3)
)

// MaxConfidenceRatio is the largest conf/|price| accepted at the level.
func (l VerificationLevel) MaxConfidenceRatio() decimal.Decimal {
	switch {
	case l <= VerificationNone:
		return maxRatioNone
	case l == VerificationBasic:
		return maxRatioBasic
	default:
		return maxRatioStrict
	}
}

func (l VerificationLevel) String() string {
	switch l {
	case VerificationNone:
		return "none"
	case VerificationBasic:
		return "basic"
	case VerificationStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// PriceQuote is an immutable oracle observation. Price and Conf are scaled
// integers: the real value is Price × 10^Expo.
type PriceQuote struct {
	Symbol      string    `json:"symbol"`
	Price       int64     `json:"price"`
	Conf        uint64    `json:"conf"`
	Expo        int32     `json:"expo"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
}

// IsZero reports whether the quote is the zero value.
func (q PriceQuote) IsZero() bool {
	return q.Symbol == "" && q.Price == 0 && q.PublishedAt.IsZero()
}

// Value returns the price as a decimal.
func (q PriceQuote) Value() decimal.Decimal {
	return decimal.New(q.Price, q.Expo)
}

// Uncertainty returns the confidence interval as a decimal.
func (q PriceQuote) Uncertainty() decimal.Decimal {
	return decimal.NewFromUint64(q.Conf).Shift(q.Expo)
}

// ConfidenceRatio returns conf/|price|. A zero price yields a ratio of one
// hundred so that it fails every verification tier.
func (q PriceQuote) ConfidenceRatio() decimal.Decimal {
	if q.Price == 0 {
		return decimal.NewFromInt(100)
	}
	price := decimal.NewFromInt(q.Price).Abs()
	return decimal.NewFromUint64(q.Conf).DivRound(price, 12)
}

// Confident reports whether the quote's ratio is strictly below the tier limit.
func (q PriceQuote) Confident(level VerificationLevel) bool {
	if q.Price == 0 {
		return false
	}
	return q.ConfidenceRatio().LessThan(level.MaxConfidenceRatio())
}

// Age returns how old the quote is relative to now.
func (q PriceQuote) Age(now time.Time) time.Duration {
	if q.PublishedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	age := now.Sub(q.PublishedAt)
	if age < 0 {
		return 0
	}
	return age
}

// Fresh reports whether the quote is no older than maxAge.
func (q PriceQuote) Fresh(now time.Time, maxAge time.Duration) bool {
	return q.Age(now) <= maxAge
}
