// fetcher.go wraps the Gamma API: event/market discovery by time-to-resolution
// tag, single-token lookups, and the search passthrough the UI uses.
//
// Gamma serves some fields (clobTokenIds, outcomes, outcomePrices) either as
// JSON arrays or as JSON-encoded strings of arrays depending on the endpoint;
// FlexStrings accepts both shapes.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/led0r/poly-copy/internal/venue"
	"github.com/led0r/poly-copy/pkg/types"
)

// cryptoKeywords is the closed set used for heuristic market filtering.
var cryptoKeywords = []string{
	"bitcoin", "btc", "ethereum", "eth", "crypto", "solana", "sol", "xrp",
	"doge", "dogecoin", "bnb", "cardano", "ada", "polygon", "matic",
	"avalanche", "avax", "chainlink", "link", "uniswap", "uni",
}

// IsCryptoMarket reports whether the text matches the crypto keyword set.
func IsCryptoMarket(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range cryptoKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Interval names accepted by discovery, mapped to Gamma tag slugs and the
// resolution window (minutes) each tag implies.
var intervals = map[string]struct {
	Tag        string
	MaxMinutes float64
}{
	"15m":    {Tag: "15M", MaxMinutes: 15},
	"1h":     {Tag: "1H", MaxMinutes: 60},
	"4h":     {Tag: "4h", MaxMinutes: 240},
	"weekly": {Tag: "weekly", MaxMinutes: 7 * 24 * 60},
}

// FlexStrings is a []string that unmarshals from either a JSON array or a
// JSON string containing an array.
type FlexStrings []string

func (f *FlexStrings) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*f = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flex strings: %s", string(data))
	}
	if strings.TrimSpace(s) == "" {
		*f = nil
		return nil
	}
	return json.Unmarshal([]byte(s), (*[]string)(f))
}

// GammaMarket is the JSON shape of one market under a Gamma event.
type GammaMarket struct {
	ID              string      `json:"id"`
	Question        string      `json:"question"`
	ConditionID     string      `json:"conditionId"`
	Slug            string      `json:"slug"`
	Active          bool        `json:"active"`
	Closed          bool        `json:"closed"`
	EnableOrderBook bool        `json:"enableOrderBook"`
	EndDate         string      `json:"endDate"`
	NegRisk         bool        `json:"negRisk"`
	ClobTokenIds    FlexStrings `json:"clobTokenIds"`
	Outcomes        FlexStrings `json:"outcomes"`
	OutcomePrices   FlexStrings `json:"outcomePrices"`
}

// GammaEvent is the JSON shape of GET /events.
type GammaEvent struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Slug       string        `json:"slug"`
	EndDate    string        `json:"endDate"`
	NegRisk    bool          `json:"negRisk"`
	Volume24hr float64       `json:"volume24hr"`
	Markets    []GammaMarket `json:"markets"`
}

// Fetcher wraps the Gamma and search hosts.
type Fetcher struct {
	gamma  *resty.Client
	search *resty.Client
	rl     *venue.RateLimiter
	cache  *Cache
	logger *slog.Logger
}

// NewFetcher creates a fetcher backed by the shared cache and rate limiter.
func NewFetcher(gammaBaseURL, searchBaseURL string, rl *venue.RateLimiter, cache *Cache, logger *slog.Logger) *Fetcher {
	newHTTP := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			// Decode bodies as JSON whatever Content-Type the host reports.
			OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
				r.ForceContentType("application/json")
				return nil
			})
	}
	return &Fetcher{
		gamma:  newHTTP(gammaBaseURL),
		search: newHTTP(searchBaseURL),
		rl:     rl,
		cache:  cache,
		logger: logger.With("component", "metadata_fetcher"),
	}
}

// Cache exposes the underlying cache (for feed enrichment lookups).
func (f *Fetcher) Cache() *Cache { return f.cache }

// DiscoverInterval fetches events for one time-to-resolution tag and returns
// market infos for every tradeable crypto token inside the window
// (minMinutes, maxMinutes].
func (f *Fetcher) DiscoverInterval(ctx context.Context, interval string, minMinutes, maxMinutes float64) ([]types.MarketInfo, error) {
	iv, ok := intervals[strings.ToLower(interval)]
	if !ok {
		return nil, fmt.Errorf("unknown discovery interval %q", interval)
	}
	if maxMinutes <= 0 {
		maxMinutes = iv.MaxMinutes
	}

	events, err := f.fetchEvents(ctx, iv.Tag)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var out []types.MarketInfo
	for _, ev := range events {
		for _, m := range ev.Markets {
			if !m.EnableOrderBook || m.Closed {
				continue
			}
			if !IsCryptoMarket(ev.Title) && !IsCryptoMarket(m.Question) {
				continue
			}
			infos := marketTokens(ev, m)
			for _, info := range infos {
				mins := info.MinutesToResolution(now)
				if mins <= minMinutes || mins > maxMinutes {
					continue
				}
				out = append(out, info)
			}
		}
	}
	return out, nil
}

// Discover queries the requested intervals, skips a token that an earlier
// interval already returned for the same event slug (both tokens of a market
// are kept; tokens without an event slug are never skipped), and sorts by end
// date (soonest first).
func (f *Fetcher) Discover(ctx context.Context, intervalNames []string) ([]types.MarketInfo, error) {
	seenEvents := make(map[string]bool)
	var out []types.MarketInfo

	for _, name := range intervalNames {
		infos, err := f.DiscoverInterval(ctx, name, 0, 0)
		if err != nil {
			f.logger.Warn("discovery interval failed", "interval", name, "error", err)
			continue
		}
		for _, info := range infos {
			key := info.EventSlug + "/" + info.TokenID
			if info.EventSlug != "" && seenEvents[key] {
				continue
			}
			seenEvents[key] = true
			out = append(out, info)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].EndDate.Before(out[j].EndDate)
	})
	return out, nil
}

// EventBySlug fetches one event.
func (f *Fetcher) EventBySlug(ctx context.Context, slug string) (*GammaEvent, error) {
	if err := f.rl.Acquire(ctx, venue.BucketGamma, 0); err != nil {
		return nil, err
	}

	var ev GammaEvent
	resp, err := f.gamma.R().
		SetContext(ctx).
		SetResult(&ev).
		Get("/events/slug/" + slug)
	if err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", slug, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch event %s: status %d", slug, resp.StatusCode())
	}
	return &ev, nil
}

// TokenInfo resolves one token's market info, serving from cache when fresh.
// Both halves of the pair are cached for 300 s.
func (f *Fetcher) TokenInfo(ctx context.Context, tokenID string) (types.MarketInfo, error) {
	if info, ok := f.cache.Lookup(tokenID); ok {
		return info, nil
	}

	if err := f.rl.Acquire(ctx, venue.BucketGamma, 0); err != nil {
		return types.MarketInfo{}, err
	}

	var markets []GammaMarket
	resp, err := f.gamma.R().
		SetContext(ctx).
		SetQueryParam("clob_token_ids", tokenID).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return types.MarketInfo{}, fmt.Errorf("fetch market for token: %w", err)
	}
	if resp.StatusCode() != 200 {
		return types.MarketInfo{}, fmt.Errorf("fetch market for token: status %d", resp.StatusCode())
	}
	if len(markets) == 0 {
		return types.MarketInfo{}, fmt.Errorf("no market found for token %s", tokenID)
	}

	m := markets[0]
	infos := marketTokens(GammaEvent{Title: m.Question, Slug: m.Slug, NegRisk: m.NegRisk}, m)
	var found types.MarketInfo
	for _, info := range infos {
		f.cache.Put(info.TokenID, info, DefaultTTL)
		if info.TokenID == tokenID {
			found = info
		}
	}
	if found.TokenID == "" {
		return types.MarketInfo{}, fmt.Errorf("token %s not in market %s", tokenID, m.ID)
	}
	return found, nil
}

// SearchEvents proxies the venue's search API.
func (f *Fetcher) SearchEvents(ctx context.Context, text string, limit int) ([]GammaEvent, error) {
	if err := f.rl.Acquire(ctx, venue.BucketGamma, 0); err != nil {
		return nil, err
	}

	var out struct {
		Events []GammaEvent `json:"events"`
	}
	resp, err := f.search.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"text":  text,
			"type":  "events",
			"limit": strconv.Itoa(limit),
		}).
		SetResult(&out).
		Get("/search")
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("search events: status %d", resp.StatusCode())
	}
	return out.Events, nil
}

func (f *Fetcher) fetchEvents(ctx context.Context, tag string) ([]GammaEvent, error) {
	if err := f.rl.Acquire(ctx, venue.BucketGamma, 0); err != nil {
		return nil, err
	}

	var events []GammaEvent
	resp, err := f.gamma.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"closed":    "false",
			"active":    "true",
			"limit":     "100",
			"offset":    "0",
			"order":     "volume24hr",
			"ascending": "false",
			"tag_slug":  tag,
		}).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return nil, fmt.Errorf("fetch events tag %s: %w", tag, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch events tag %s: status %d", tag, resp.StatusCode())
	}
	return events, nil
}

// marketTokens converts one Gamma market into per-token infos. Binary markets
// carry exactly two clob token ids; the pair is reciprocal.
func marketTokens(ev GammaEvent, m GammaMarket) []types.MarketInfo {
	if len(m.ClobTokenIds) != 2 {
		return nil
	}

	endDate, _ := time.Parse(time.RFC3339, m.EndDate)
	if endDate.IsZero() && ev.EndDate != "" {
		endDate, _ = time.Parse(time.RFC3339, ev.EndDate)
	}

	out := make([]types.MarketInfo, 0, 2)
	for i, tokenID := range m.ClobTokenIds {
		outcome := ""
		if i < len(m.Outcomes) {
			outcome = m.Outcomes[i]
		}
		price := decimal.Zero
		if i < len(m.OutcomePrices) {
			if p, err := decimal.NewFromString(m.OutcomePrices[i]); err == nil {
				price = p
			}
		}
		out = append(out, types.MarketInfo{
			TokenID:         tokenID,
			Question:        m.Question,
			EventTitle:      ev.Title,
			EventSlug:       ev.Slug,
			ConditionID:     m.ConditionID,
			Outcome:         outcome,
			OppositeTokenID: m.ClobTokenIds[1-i],
			Price:           price,
			EndDate:         endDate,
			NegRisk:         m.NegRisk || ev.NegRisk,
		})
	}
	return out
}
