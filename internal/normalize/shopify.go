package normalize

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/resilience"
)

// shopifyEnvelope is the public /products.json payload.
type shopifyEnvelope struct {
	Products []shopifyProduct `json:"products"`
}

type shopifyProduct struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	Handle      string           `json:"handle"`
	BodyHTML    string           `json:"body_html"`
	Vendor      string           `json:"vendor"`
	PublishedAt string           `json:"published_at"`
	Tags        tagList          `json:"tags"`
	Variants    []shopifyVariant `json:"variants"`
	Images      []shopifyImage   `json:"images"`
}

type shopifyVariant struct {
	ID        int64  `json:"id"`
	SKU       string `json:"sku"`
	Barcode   string `json:"barcode"`
	Price     string `json:"price"`
	Available bool   `json:"available"`
}

type shopifyImage struct {
	Src string `json:"src"`
}

// tagList accepts both the array form of /products.json and the
// comma-separated string form some storefronts emit.
type tagList []string

func (t *tagList) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*t = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*t = out
	return nil
}

// ShopifyNormalizer parses the public products.json endpoint of Shopify
// storefronts. Now is the injected clock; nil uses the wall clock.
type ShopifyNormalizer struct {
	Now func() time.Time
}

func (n *ShopifyNormalizer) Kind() model.SourceKind {
	return model.SourceKindShopify
}

func (n *ShopifyNormalizer) Normalize(payload []byte, src model.Source, pageURL string) (*Result, error) {
	var env shopifyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &resilience.ParseError{Source: src.ID, Err: err}
	}

	now := clock(n.Now)()
	res := &Result{}
	for _, p := range env.Products {
		rec, ok := n.product(p, src, pageURL, now)
		if !ok {
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func (n *ShopifyNormalizer) product(p shopifyProduct, src model.Source, pageURL string, now time.Time) (model.RawRecord, bool) {
	if strings.TrimSpace(p.Title) == "" {
		return model.RawRecord{}, false
	}

	productURL := shopifyProductURL(pageURL, p.Handle)

	// Style code preference mirrors what storefronts actually populate:
	// the first variant's SKU, else its barcode, else the variant ID.
	styleCode := ""
	var price *float64
	if len(p.Variants) > 0 {
		first := p.Variants[0]
		switch {
		case first.SKU != "":
			styleCode = first.SKU
		case first.Barcode != "":
			styleCode = first.Barcode
		case first.ID != 0:
			styleCode = strconv.FormatInt(first.ID, 10)
		}
		price = ParsePrice(first.Price)
	}

	var images []string
	for _, img := range p.Images {
		if img.Src != "" {
			images = append(images, img.Src)
		}
	}

	releaseDate := ParseDate(p.PublishedAt)
	status := model.StatusAnnounced
	if releaseDate != nil {
		if releaseDate.After(now) {
			status = model.StatusUpcoming
		} else {
			status = model.StatusLive
		}
	}
	lowerTitle := strings.ToLower(p.Title)
	lowerBody := strings.ToLower(p.BodyHTML)
	if strings.Contains(lowerTitle, "coming soon") || strings.Contains(lowerBody, "coming soon") || containsTag(p.Tags, "release") {
		status = model.StatusUpcoming
	}
	if len(p.Variants) > 0 && noneAvailable(p.Variants) {
		status = model.StatusSoldOut
	}

	brand := model.StrPtr(strings.TrimSpace(p.Vendor))
	if brand == nil {
		brand = DetectBrand(p.Title)
	}

	fields := model.Fields{
		Name:        model.StrPtr(p.Title),
		Brand:       brand,
		SKU:         model.StrPtr(styleCode),
		Price:       price,
		ReleaseDate: releaseDate,
		Status:      status,
		ProductURL:  model.StrPtr(productURL),
		Raffle:      src.Raffle || DetectRaffle(p.Title+" "+p.BodyHTML, p.Tags),
		Images:      images,
		Locations:   src.Locations,
		Tags:        p.Tags,
	}
	if len(images) > 0 {
		fields.ImageURL = model.StrPtr(images[0])
	}

	return model.RawRecord{
		SourceID:  src.ID,
		Weight:    src.Weight,
		Keys:      keyCandidates(styleCode, p.Title, p.Title, productURL),
		Fields:    fields,
		FetchedAt: now,
	}, true
}

func shopifyProductURL(pageURL, handle string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return pageURL
	}
	if handle == "" {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + "/products/" + handle
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(strings.TrimSpace(t), want) {
			return true
		}
	}
	return false
}

func noneAvailable(vars []shopifyVariant) bool {
	for _, v := range vars {
		if v.Available {
			return false
		}
	}
	return true
}
