package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrRemoteRejected indicates the portal answered with a non-zero domain
	// error code (e.g. bad room identifiers). Not a transport failure.
	ErrRemoteRejected = errors.New("fetcher: query rejected by portal")
	// ErrMalformedResponse indicates the portal body was not valid JSON.
	ErrMalformedResponse = errors.New("fetcher: malformed portal response")
)

// Sample is the normalised balance snapshot extracted from one portal query.
type Sample struct {
	Balance    decimal.Decimal
	TotalUsage decimal.Decimal
	Price      decimal.Decimal
	QueryTime  string
	Apartment  string
	Floor      string
	Raw        json.RawMessage
}

// Options parameterise the portal fetcher. Room identifiers are opaque
// strings configured externally; they are never parsed.
type Options struct {
	BalanceURL  string
	SearchURL   string
	AreaID      int
	ApartmentID string
	FloorID     string
	RoomNumber  string
}

// Portal queries the campus electricity endpoints through a session client.
type Portal struct {
	opts    Options
	session SessionClient
	logger  zerolog.Logger
}

// NewPortal constructs a portal fetcher.
func NewPortal(opts Options, session SessionClient, logger zerolog.Logger) *Portal {
	return &Portal{
		opts:    opts,
		session: session,
		logger:  logger.With().Str("component", "portal_fetcher").Logger(),
	}
}

// envelope is the portal's wire shape: e==0 means success, d.data carries
// the payload.
type envelope struct {
	E int    `json:"e"`
	M string `json:"m"`
	D struct {
		Data json.RawMessage `json:"data"`
	} `json:"d"`
}

// FetchReading probes the balance page (authenticating if flagged), then
// issues the room query and normalises the nested payload.
func (p *Portal) FetchReading(ctx context.Context) (Sample, error) {
	if p.opts.RoomNumber == "" {
		return Sample{}, errors.New("portal.room_number not configured")
	}

	_, status, err := p.session.Get(ctx, p.opts.BalanceURL)
	if err != nil {
		return Sample{}, fmt.Errorf("probe balance page: %w", err)
	}
	p.logger.Info().Int("status", status).Str("url", p.opts.BalanceURL).Msg("访问电费页面")

	form := url.Values{
		"partmentId": {p.opts.ApartmentID},
		"floorId":    {p.opts.FloorID},
		"dromNumber": {p.opts.RoomNumber},
		"areaid":     {strconv.Itoa(p.opts.AreaID)},
	}

	body, status, err := p.session.PostForm(ctx, p.opts.SearchURL, form)
	if err != nil {
		return Sample{}, fmt.Errorf("query balance: %w", err)
	}
	if status != 200 {
		return Sample{}, fmt.Errorf("query balance: unexpected status %d", status)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		p.logger.Error().Err(err).Str("body", truncate(string(body), 500)).
			Msg("电费数据JSON解析失败")
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if env.E != 0 {
		p.logger.Error().Int("code", env.E).Str("message", env.M).Msg("电费查询失败")
		return Sample{}, fmt.Errorf("%w: code=%d message=%s", ErrRemoteRejected, env.E, env.M)
	}

	var payload map[string]any
	if len(env.D.Data) > 0 {
		// Payload field types drift between string and number across portal
		// versions; coerce individually, defaulting to zero.
		_ = json.Unmarshal(env.D.Data, &payload)
	}

	sample := Sample{
		Balance:    numericField(payload, "surplus"),
		TotalUsage: numericField(payload, "vTotal"),
		Price:      numericField(payload, "price"),
		QueryTime:  stringField(payload, "time"),
		Apartment:  stringField(payload, "parName"),
		Floor:      stringField(payload, "floorName"),
		Raw:        json.RawMessage(body),
	}

	p.logger.Info().
		Str("balance", sample.Balance.String()).
		Str("total_usage", sample.TotalUsage.String()).
		Str("price", sample.Price.String()).
		Str("apartment", sample.Apartment).
		Msg("解析电费数据成功")

	return sample, nil
}

func numericField(payload map[string]any, key string) decimal.Decimal {
	if payload == nil {
		return decimal.Zero
	}
	switch v := payload[key].(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case string:
		if parsed, err := decimal.NewFromString(v); err == nil {
			return parsed
		}
	case json.Number:
		if parsed, err := decimal.NewFromString(v.String()); err == nil {
			return parsed
		}
	}
	return decimal.Zero
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	switch v := payload[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

var _ SampleFetcher = (*Portal)(nil)
