package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"

	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/resilience"
)

// RESTCatalog implements Catalog against a PostgREST-style HTTP API. Each
// namespace maps to a table route; upserts are expressed as a filtered
// PATCH followed by a POST when nothing matched.
type RESTCatalog struct {
	client   *resty.Client
	pageSize int
}

// RESTOption configures the REST catalog.
type RESTOption func(*RESTCatalog)

// WithSchema routes requests to a non-default Postgres schema.
func WithSchema(schema string) RESTOption {
	return func(c *RESTCatalog) {
		c.client.SetHeader("Accept-Profile", schema)
		c.client.SetHeader("Content-Profile", schema)
	}
}

// WithPageSize sets how many records Stream requests per page.
func WithPageSize(n int) RESTOption {
	return func(c *RESTCatalog) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithRESTTimeout sets the per-request timeout.
func WithRESTTimeout(d time.Duration) RESTOption {
	return func(c *RESTCatalog) {
		c.client.SetTimeout(d)
	}
}

// NewRESTCatalog creates a catalog client for the given API base URL. The
// key is sent both as the apikey header and as a bearer token, which is
// what PostgREST gateways expect.
func NewRESTCatalog(baseURL, apiKey string, opts ...RESTOption) *RESTCatalog {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(30 * time.Second).
		SetHeader("apikey", apiKey).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")

	c := &RESTCatalog{client: client, pageSize: 1000}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream pages through the namespace in id order using PostgREST range
// headers until a short page signals the end.
func (c *RESTCatalog) Stream(ctx context.Context, namespace string) ([]model.CanonicalRecord, error) {
	var recs []model.CanonicalRecord
	for offset := 0; ; offset += c.pageSize {
		res, err := c.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"select": "*", "order": "id.asc"}).
			SetHeader("Range-Unit", "items").
			SetHeader("Range", fmt.Sprintf("%d-%d", offset, offset+c.pageSize-1)).
			Get("/" + namespace)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "rest: stream %s", namespace), 0)
		}
		if res.StatusCode() == http.StatusRequestedRangeNotSatisfiable {
			break
		}
		if err := classifyStatus("stream "+namespace, res); err != nil {
			return nil, err
		}

		var page []model.CanonicalRecord
		if err := json.Unmarshal(res.Body(), &page); err != nil {
			return nil, &resilience.PersistenceError{Op: "stream " + namespace, Err: eris.Wrap(err, "decode page")}
		}
		recs = append(recs, page...)
		if len(page) < c.pageSize {
			break
		}
	}
	return recs, nil
}

// Upsert writes one record. A PATCH filtered on the record ID updates in
// place; when it matches nothing the record is new and gets POSTed.
func (c *RESTCatalog) Upsert(ctx context.Context, namespace string, rec model.CanonicalRecord) (WriteOutcome, error) {
	if rec.ID == "" {
		return OutcomeSkipped, eris.New("rest: record has no id")
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParam("id", "eq."+rec.ID).
		SetBody(rec).
		Patch("/" + namespace)
	if err != nil {
		return OutcomeFailed, resilience.NewTransientError(eris.Wrapf(err, "rest: patch %s", namespace), 0)
	}
	if err := classifyStatus("patch "+namespace, res); err != nil {
		return OutcomeFailed, err
	}

	var matched []json.RawMessage
	if len(res.Body()) > 0 {
		if err := json.Unmarshal(res.Body(), &matched); err != nil {
			return OutcomeFailed, &resilience.PersistenceError{Op: "patch " + namespace, Err: eris.Wrap(err, "decode response")}
		}
	}
	if len(matched) > 0 {
		return OutcomeUpdated, nil
	}

	res, err = c.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=minimal").
		SetBody(rec).
		Post("/" + namespace)
	if err != nil {
		return OutcomeFailed, resilience.NewTransientError(eris.Wrapf(err, "rest: post %s", namespace), 0)
	}
	if err := classifyStatus("post "+namespace, res); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeInserted, nil
}

func classifyStatus(op string, res *resty.Response) error {
	code := res.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &resilience.AuthError{StatusCode: code}
	case code == http.StatusNotFound:
		return &resilience.NotFoundError{URL: res.Request.URL}
	case resilience.IsTransientHTTPStatus(code):
		return resilience.NewTransientError(eris.Errorf("rest: %s: status %d: %s", op, code, trimBody(res.Body())), code)
	default:
		return &resilience.PersistenceError{Op: op, Err: eris.Errorf("status %d: %s", code, trimBody(res.Body()))}
	}
}

func trimBody(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
