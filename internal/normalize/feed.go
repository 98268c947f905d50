package normalize

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/resilience"
)

// rssFeed is the RSS 2.0 envelope.
type rssFeed struct {
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	PubDate     string   `xml:"pubDate"`
	Categories  []string `xml:"category"`
}

// atomFeed is the Atom envelope.
type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title      string         `xml:"title"`
	Links      []atomLink     `xml:"link"`
	Summary    string         `xml:"summary"`
	Content    string         `xml:"content"`
	Published  string         `xml:"published"`
	Updated    string         `xml:"updated"`
	Categories []atomCategory `xml:"category"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

// FeedNormalizer parses RSS 2.0 and Atom news feeds. Now is the injected
// clock; nil uses the wall clock.
type FeedNormalizer struct {
	Now func() time.Time
}

func (n *FeedNormalizer) Kind() model.SourceKind {
	return model.SourceKindFeed
}

func (n *FeedNormalizer) Normalize(payload []byte, src model.Source, pageURL string) (*Result, error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	dec.CharsetReader = charsetReader

	now := clock(n.Now)()
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, &resilience.ParseError{Source: src.ID, Err: eris.New("no feed root element")}
		}
		if err != nil {
			return nil, &resilience.ParseError{Source: src.ID, Err: err}
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "rss":
			var f rssFeed
			if err := dec.DecodeElement(&f, &se); err != nil {
				return nil, &resilience.ParseError{Source: src.ID, Err: err}
			}
			return n.fromRSS(f, src, now), nil
		case "feed":
			var f atomFeed
			if err := dec.DecodeElement(&f, &se); err != nil {
				return nil, &resilience.ParseError{Source: src.ID, Err: err}
			}
			return n.fromAtom(f, src, now), nil
		default:
			return nil, &resilience.ParseError{Source: src.ID, Err: eris.Errorf("unsupported feed root <%s>", se.Name.Local)}
		}
	}
}

// charsetReader decodes non-UTF8 feeds through the HTML encoding index.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "feed: unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}

func (n *FeedNormalizer) fromRSS(f rssFeed, src model.Source, now time.Time) *Result {
	res := &Result{}
	for _, it := range f.Channel.Items {
		title := strings.TrimSpace(it.Title)
		link := strings.TrimSpace(it.Link)
		if title == "" && link == "" {
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, n.record(title, link, it.Description, it.PubDate, it.Categories, src, now))
	}
	return res
}

func (n *FeedNormalizer) fromAtom(f atomFeed, src model.Source, now time.Time) *Result {
	res := &Result{}
	for _, e := range f.Entries {
		title := strings.TrimSpace(e.Title)
		link := atomAltLink(e.Links)
		if title == "" && link == "" {
			res.Skipped++
			continue
		}

		excerpt := e.Summary
		if strings.TrimSpace(excerpt) == "" {
			excerpt = e.Content
		}
		date := e.Published
		if strings.TrimSpace(date) == "" {
			date = e.Updated
		}
		tags := make([]string, 0, len(e.Categories))
		for _, c := range e.Categories {
			tags = append(tags, c.Term)
		}

		res.Records = append(res.Records, n.record(title, link, excerpt, date, tags, src, now))
	}
	return res
}

func (n *FeedNormalizer) record(title, link, excerpt, date string, tags []string, src model.Source, now time.Time) model.RawRecord {
	cleanTags := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			cleanTags = append(cleanTags, t)
		}
	}

	fields := model.Fields{
		Name:        model.StrPtr(title),
		Brand:       DetectBrand(title),
		ReleaseDate: ParseDate(strings.TrimSpace(date)),
		Status:      DetectStatus(title),
		ProductURL:  model.StrPtr(link),
		Excerpt:     model.StrPtr(strings.TrimSpace(excerpt)),
		Raffle:      src.Raffle || DetectRaffle(title, cleanTags),
		Tags:        cleanTags,
		Locations:   src.Locations,
	}

	return model.RawRecord{
		SourceID:  src.ID,
		Weight:    src.Weight,
		Keys:      keyCandidates("", title, title, link),
		Fields:    fields,
		FetchedAt: now,
	}
}

// atomAltLink prefers the alternate link of an entry, falling back to the
// first link present.
func atomAltLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}
