package targeting

import (
	"net/url"

	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/auctioneer/internal/bid"
)

// ComputeTargeting sets the ad server key/values of b. Keys are layered in order:
// standard keys, bidder overrides, native keys. Later layers overwrite earlier ones.
// Keys already supplied by the provider are kept unless a layer replaces them.
func (n *Normalizer) ComputeTargeting(b *bid.Bid, mt *bid.MediaTypes) map[string]string {
	allowZero := n.settings.AllowZeroCPM(b.BidderCode)
	cpmOK := b.CPM > 0
	if allowZero {
		cpmOK = b.CPM >= 0
	}
	if !b.Available() || !(cpmOK || b.DealID != "") {
		return b.Targeting
	}

	send := n.settings.SendStandardTargeting(b.BidderCode)
	b.SendStandardTargeting = &send

	log := n.log.With().Str("bidder", b.BidderCode).Str("adUnit", b.AdUnitCode).Logger()
	kv := make(map[string]string)

	// the opt out is recorded on the bid for the ad server layer, the keys are still computed
	standard := n.settings.Standard()
	rules := n.standardRules(b, mt, send)
	if standard != nil && len(standard.Targeting) > 0 {
		rules = standard.Targeting
	}
	setKeys(kv, rules, b, standard, n.keys.Deal, log)

	if own := n.settings.Get(b.BidderCode); own != nil && len(own.Targeting) > 0 {
		setKeys(kv, own.Targeting, b, own, n.keys.Deal, log)
	}

	for k, v := range b.Native {
		if _, exists := kv[k]; exists {
			log.Warn().Str("key", k).Msg("The key is getting reassigned")
		}
		kv[k] = v
	}

	if b.Targeting == nil {
		b.Targeting = make(map[string]string, len(kv))
	}
	for k, v := range kv {
		b.Targeting[k] = v
	}
	return b.Targeting
}

func setKeys(dst map[string]string, rules []KeyValue, b *bid.Bid, s *BidderSettings, dealKey string, log zerolog.Logger) {
	suppressEmpty := s != nil && s.SuppressEmptyKeys
	for _, rule := range rules {
		if rule.Key == "" || rule.Value == nil {
			continue
		}
		value, ok := ruleValue(rule, b, log)
		if !ok {
			continue
		}
		if value == "" && (suppressEmpty || rule.Key == dealKey) {
			log.Debug().Str("key", rule.Key).Msg("suppressing empty key")
			continue
		}
		if _, exists := dst[rule.Key]; exists {
			log.Warn().Str("key", rule.Key).Msg("The key is getting reassigned")
		}
		dst[rule.Key] = value
	}
}

// ruleValue evaluates one rule. A panicking rule is logged and its key skipped.
func ruleValue(rule KeyValue, b *bid.Bid, log zerolog.Logger) (v string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("key", rule.Key).
				Interface("panic", r).
				Msg("Error during targeting key evaluation")
			ok = false
		}
	}()
	return rule.Value(b), true
}

// standardRules returns the default key set for a bid. The cache host is left out for
// bidders that opted out of standard targeting.
func (n *Normalizer) standardRules(b *bid.Bid, mt *bid.MediaTypes, send bool) []KeyValue {
	k := n.keys
	pg := n.granularityFor(b, mt)
	rules := []KeyValue{
		{Key: k.Bidder, Value: func(b *bid.Bid) string { return b.BidderCode }},
		{Key: k.AdID, Value: func(b *bid.Bid) string { return b.AdID }},
		{Key: k.PriceBucket, Value: func(b *bid.Bid) string { return Lookup(b.PriceBuckets, pg.Name) }},
		{Key: k.Size, Value: func(b *bid.Bid) string { return b.Size() }},
		{Key: k.Deal, Value: func(b *bid.Bid) string { return b.DealID }},
		{Key: k.Source, Value: func(b *bid.Bid) string { return b.Source }},
		{Key: k.Format, Value: func(b *bid.Bid) string { return string(b.MediaType) }},
		{Key: k.AdDomain, Value: func(b *bid.Bid) string {
			if len(b.Meta.AdvertiserDomains) > 0 {
				return b.Meta.AdvertiserDomains[0]
			}
			return ""
		}},
	}
	if b.MediaType == bid.MediaTypeVideo {
		rules = append(rules,
			KeyValue{Key: k.UUID, Value: func(b *bid.Bid) string { return b.CacheKey }},
			KeyValue{Key: k.CacheID, Value: func(b *bid.Bid) string { return b.CacheKey }},
		)
		if host := cacheHost(n.config.CacheURL); host != "" && send {
			rules = append(rules, Static(k.CacheHost, host))
		}
	}
	return rules
}

func cacheHost(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
