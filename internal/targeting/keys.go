package targeting

// Keys is the ad server key vocabulary. It is configuration, the defaults follow the hb_ convention.
type Keys struct {
	Bidder      string `json:"bidder"`
	AdID        string `json:"adId"`
	PriceBucket string `json:"priceBucket"`
	Size        string `json:"size"`
	Deal        string `json:"deal"`
	Source      string `json:"source"`
	Format      string `json:"format"`
	AdDomain    string `json:"adomain"`
	UUID        string `json:"uuid"`
	CacheID     string `json:"cacheId"`
	CacheHost   string `json:"cacheHost"`
}

// DefaultKeys returns the standard key vocabulary
func DefaultKeys() Keys {
	return Keys{
		Bidder:      "hb_bidder",
		AdID:        "hb_adid",
		PriceBucket: "hb_pb",
		Size:        "hb_size",
		Deal:        "hb_deal",
		Source:      "hb_source",
		Format:      "hb_format",
		AdDomain:    "hb_adomain",
		UUID:        "hb_uuid",
		CacheID:     "hb_cache_id",
		CacheHost:   "hb_cache_host",
	}
}

// withDefaults fills empty keys from DefaultKeys
func (k Keys) withDefaults() Keys {
	d := DefaultKeys()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&k.Bidder, d.Bidder)
	fill(&k.AdID, d.AdID)
	fill(&k.PriceBucket, d.PriceBucket)
	fill(&k.Size, d.Size)
	fill(&k.Deal, d.Deal)
	fill(&k.Source, d.Source)
	fill(&k.Format, d.Format)
	fill(&k.AdDomain, d.AdDomain)
	fill(&k.UUID, d.UUID)
	fill(&k.CacheID, d.CacheID)
	fill(&k.CacheHost, d.CacheHost)
	return k
}
