package model

// SourceKind identifies the payload shape a source produces.
type SourceKind string

const (
	SourceKindShopify SourceKind = "shopify"
	SourceKindHTML    SourceKind = "html"
	SourceKindFeed    SourceKind = "feed"
)

// Selectors configures CSS extraction for HTML sources.
type Selectors struct {
	Item    string `yaml:"item" json:"item"`
	Title   string `yaml:"title" json:"title"`
	URL     string `yaml:"url" json:"url"`
	Image   string `yaml:"image" json:"image"`
	Date    string `yaml:"date" json:"date"`
	Price   string `yaml:"price" json:"price"`
	Excerpt string `yaml:"excerpt" json:"excerpt"`
}

// Source describes one configured collection target.
type Source struct {
	ID           string     `yaml:"id" json:"id"`
	Name         string     `yaml:"name" json:"name"`
	Kind         SourceKind `yaml:"kind" json:"kind"`
	URLs         []string   `yaml:"urls" json:"urls"`
	Weight       float64    `yaml:"weight" json:"weight"`
	DelaySeconds float64    `yaml:"delay_seconds" json:"delay_seconds"`
	Render       bool       `yaml:"render" json:"render"`
	WaitSelector string     `yaml:"wait_selector" json:"wait_selector,omitempty"`
	Realtime     bool       `yaml:"realtime" json:"realtime"`
	Raffle       bool       `yaml:"raffle" json:"raffle"`
	Locations    []string   `yaml:"locations" json:"locations,omitempty"`
	Selectors    Selectors  `yaml:"selectors" json:"selectors,omitempty"`
	Disabled     bool       `yaml:"disabled" json:"disabled,omitempty"`
}
