package targeting

import (
	"github.com/shopspring/decimal"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

// DefaultPrecision is used by buckets that do not specify one
const DefaultPrecision = 2

// Granularity names a price bucket table
type Granularity string

const (
	GranularityLow    Granularity = "low"
	GranularityMedium Granularity = "medium"
	GranularityHigh   Granularity = "high"
	GranularityAuto   Granularity = "auto"
	GranularityDense  Granularity = "dense"
	GranularityCustom Granularity = "custom"
)

// Valid reports whether g is a known granularity
func (g Granularity) Valid() bool {
	switch g {
	case GranularityLow, GranularityMedium, GranularityHigh, GranularityAuto, GranularityDense, GranularityCustom:
		return true
	}
	return false
}

// Bucket is one price range of a bucket table. Min is implied by the previous bucket's Max.
type Bucket struct {
	Max       float64 `json:"max"`
	Increment float64 `json:"increment"`
	Precision *int    `json:"precision,omitempty"`
}

func (b Bucket) precision() int32 {
	if b.Precision != nil {
		return int32(*b.Precision)
	}
	return DefaultPrecision
}

// BucketConfig is an ordered bucket table
type BucketConfig struct {
	Buckets []Bucket `json:"buckets"`
}

// Valid reports whether every bucket has a positive max and increment
func (c *BucketConfig) Valid() bool {
	if c == nil || len(c.Buckets) == 0 {
		return false
	}
	for _, b := range c.Buckets {
		if b.Max <= 0 || b.Increment <= 0 {
			return false
		}
	}
	return true
}

var (
	lowBuckets    = &BucketConfig{Buckets: []Bucket{{Max: 5, Increment: 0.5}}}
	mediumBuckets = &BucketConfig{Buckets: []Bucket{{Max: 20, Increment: 0.1}}}
	highBuckets   = &BucketConfig{Buckets: []Bucket{{Max: 20, Increment: 0.01}}}
	denseBuckets  = &BucketConfig{Buckets: []Bucket{
		{Max: 3, Increment: 0.01},
		{Max: 8, Increment: 0.05},
		{Max: 20, Increment: 0.5},
	}}
	autoBuckets = &BucketConfig{Buckets: []Bucket{
		{Max: 5, Increment: 0.05},
		{Max: 10, Increment: 0.1},
		{Max: 20, Increment: 0.5},
	}}
)

// StandardBuckets returns the predefined table for a granularity, nil for custom or unknown
func StandardBuckets(g Granularity) *BucketConfig {
	switch g {
	case GranularityLow:
		return lowBuckets
	case GranularityMedium:
		return mediumBuckets
	case GranularityHigh:
		return highBuckets
	case GranularityAuto:
		return autoBuckets
	case GranularityDense:
		return denseBuckets
	}
	return nil
}

// PriceBuckets computes the bucket string of cpm for every granularity.
// custom may be nil, in which case the custom bucket is empty.
func PriceBuckets(cpm float64, custom *BucketConfig, multiplier float64) bid.PriceBuckets {
	if multiplier <= 0 {
		multiplier = 1
	}
	return bid.PriceBuckets{
		Low:    CPMString(cpm, lowBuckets, multiplier),
		Medium: CPMString(cpm, mediumBuckets, multiplier),
		High:   CPMString(cpm, highBuckets, multiplier),
		Auto:   CPMString(cpm, autoBuckets, multiplier),
		Dense:  CPMString(cpm, denseBuckets, multiplier),
		Custom: CPMString(cpm, custom, multiplier),
	}
}

// CPMString rounds cpm down into its bucket of cfg. Prices above the highest bucket are capped.
func CPMString(cpm float64, cfg *BucketConfig, multiplier float64) string {
	if !cfg.Valid() {
		return ""
	}
	mult := decimal.NewFromFloat(multiplier)
	price := decimal.NewFromFloat(cpm)

	top := cfg.Buckets[0]
	for _, b := range cfg.Buckets[1:] {
		if b.Max > top.Max {
			top = b
		}
	}
	capMax := decimal.NewFromFloat(top.Max).Mul(mult)
	if price.GreaterThan(capMax) {
		return capMax.StringFixed(top.precision())
	}

	floor := decimal.Zero
	for _, b := range cfg.Buckets {
		max := decimal.NewFromFloat(b.Max).Mul(mult)
		if price.LessThanOrEqual(max) && price.GreaterThanOrEqual(floor) {
			inc := decimal.NewFromFloat(b.Increment).Mul(mult)
			steps := price.Sub(floor).Div(inc).Floor()
			return steps.Mul(inc).Add(floor).StringFixed(b.precision())
		}
		floor = max
	}
	return ""
}

// Lookup returns the bucket string for granularity g
func Lookup(pb bid.PriceBuckets, g Granularity) string {
	switch g {
	case GranularityLow:
		return pb.Low
	case GranularityMedium:
		return pb.Medium
	case GranularityHigh:
		return pb.High
	case GranularityAuto:
		return pb.Auto
	case GranularityDense:
		return pb.Dense
	case GranularityCustom:
		return pb.Custom
	}
	return ""
}
