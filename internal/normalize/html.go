package normalize

import (
	"bytes"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/resilience"
)

// HTMLNormalizer extracts release cards from HTML (static or rendered) using
// the source's CSS selectors. Now is the injected clock; nil uses the wall
// clock.
type HTMLNormalizer struct {
	Now func() time.Time
}

func (n *HTMLNormalizer) Kind() model.SourceKind {
	return model.SourceKindHTML
}

func (n *HTMLNormalizer) Normalize(payload []byte, src model.Source, pageURL string) (*Result, error) {
	if src.Selectors.Item == "" {
		return nil, eris.Errorf("normalize: source %s has no item selector", src.ID)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, &resilience.ParseError{Source: src.ID, Err: err}
	}

	base, _ := url.Parse(pageURL)
	now := clock(n.Now)()
	res := &Result{}

	doc.Find(src.Selectors.Item).Each(func(_ int, item *goquery.Selection) {
		rec, ok := n.item(item, src, base, now)
		if !ok {
			res.Skipped++
			return
		}
		res.Records = append(res.Records, rec)
	})

	return res, nil
}

func (n *HTMLNormalizer) item(item *goquery.Selection, src model.Source, base *url.URL, now time.Time) (model.RawRecord, bool) {
	sel := src.Selectors

	title := strings.TrimSpace(selectionText(item, sel.Title))
	if title == "" {
		return model.RawRecord{}, false
	}

	link := attrFirst(item, sel.URL, "href")
	if link == "" {
		if v, ok := item.Attr("href"); ok {
			link = strings.TrimSpace(v)
		}
	}
	link = resolveURL(base, link)

	img := attrFirst(item, sel.Image, "src", "data-src", "data-lazy-src")
	img = resolveURL(base, img)

	var releaseDate *time.Time
	if sel.Date != "" {
		d := item.Find(sel.Date).First()
		raw := strings.TrimSpace(d.AttrOr("datetime", ""))
		if raw == "" {
			raw = strings.TrimSpace(d.AttrOr("data-date", ""))
		}
		if raw == "" {
			raw = strings.TrimSpace(d.Text())
		}
		releaseDate = ParseDate(raw)
	}

	var price *float64
	if sel.Price != "" {
		price = ParsePrice(item.Find(sel.Price).First().Text())
	}

	var excerpt *string
	if sel.Excerpt != "" {
		excerpt = model.StrPtr(strings.TrimSpace(item.Find(sel.Excerpt).First().Text()))
	}

	itemText := strings.ToLower(item.Text())

	fields := model.Fields{
		Name:        model.StrPtr(title),
		Brand:       DetectBrand(title),
		Price:       price,
		ReleaseDate: releaseDate,
		Status:      DetectStatus(itemText),
		ProductURL:  model.StrPtr(link),
		ImageURL:    model.StrPtr(img),
		Excerpt:     excerpt,
		Raffle:      src.Raffle || strings.Contains(itemText, "raffle"),
		Locations:   src.Locations,
	}
	if img != "" {
		fields.Images = []string{img}
	}

	return model.RawRecord{
		SourceID:  src.ID,
		Weight:    src.Weight,
		Keys:      keyCandidates("", title, title, link),
		Fields:    fields,
		FetchedAt: now,
	}, true
}

func selectionText(item *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return item.Find(selector).First().Text()
}

// attrFirst returns the first non-empty attribute among names on the
// selected element. Lazy-loaded images keep the real URL in data-src.
func attrFirst(item *goquery.Selection, selector string, names ...string) string {
	if selector == "" {
		return ""
	}
	el := item.Find(selector).First()
	for _, name := range names {
		if v, ok := el.Attr(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
