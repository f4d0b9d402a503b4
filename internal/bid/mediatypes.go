package bid

// Video contexts
const (
	VideoInstream  = "instream"
	VideoOutstream = "outstream"
)

// Banner describes the banner sizes an ad unit accepts
type Banner struct {
	Sizes [][2]int `json:"sizes,omitempty"`
}

// Video describes the video placement of an ad unit
type Video struct {
	Context     string   `json:"context,omitempty"`
	PlayerSize  [][2]int `json:"playerSize,omitempty"`
	UseCacheKey bool     `json:"useCacheKey,omitempty"`
}

// Native describes a native placement
type Native struct {
	Assets []string `json:"assets,omitempty"`
}

// MediaTypes lists the formats an ad unit accepts
type MediaTypes struct {
	Banner *Banner `json:"banner,omitempty"`
	Video  *Video  `json:"video,omitempty"`
	Native *Native `json:"native,omitempty"`
}

// VideoContext returns the video context, defaulting to instream
func (m *MediaTypes) VideoContext() string {
	if m == nil || m.Video == nil || m.Video.Context == "" {
		return VideoInstream
	}
	return m.Video.Context
}

// Sizes returns every size declared by the ad unit
func (m *MediaTypes) Sizes() [][2]int {
	if m == nil {
		return nil
	}
	var sizes [][2]int
	if m.Banner != nil {
		sizes = append(sizes, m.Banner.Sizes...)
	}
	if m.Video != nil {
		sizes = append(sizes, m.Video.PlayerSize...)
	}
	return sizes
}
