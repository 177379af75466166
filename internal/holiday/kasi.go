package holiday

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"

	"reportbot/internal/schedule"
	logx "reportbot/pkg/logx"
)

const DefaultKASIEndpoint = "https://apis.data.go.kr/B090041/openapi/service/SpcdeInfoService/getRestDeInfo"

// KASI reads public holidays from the Korea Astronomy and Space Science
// Institute special-day service. Lookups only hit the cache; Refresh fills
// it, so IsHoliday never blocks on the network.
type KASI struct {
	endpoint   string
	serviceKey string
	http       *http.Client
	cache      *cache.Cache
	loc        *time.Location
	log        logx.Logger
}

var _ schedule.HolidayCalendar = (*KASI)(nil)

type KASIConfig struct {
	ServiceKey string
	Endpoint   string
	Timeout    time.Duration
	// CacheTTL keeps fetched months; refresh well before it lapses.
	CacheTTL time.Duration
	Location *time.Location
}

func NewKASI(cfg KASIConfig, log logx.Logger) (*KASI, error) {
	if cfg.ServiceKey == "" {
		return nil, errors.New("kasi: service key is empty")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultKASIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &KASI{
		endpoint:   cfg.Endpoint,
		serviceKey: cfg.ServiceKey,
		http:       &http.Client{Timeout: cfg.Timeout},
		cache:      cache.New(cfg.CacheTTL, time.Hour),
		loc:        cfg.Location,
		log:        log,
	}, nil
}

func monthKey(year int, month time.Month) string { return fmt.Sprintf("%04d-%02d", year, month) }

func (k *KASI) IsHoliday(date time.Time) bool {
	d := date.In(k.loc)
	v, ok := k.cache.Get(monthKey(d.Year(), d.Month()))
	if !ok {
		return false
	}
	_, hit := v.(map[int]string)[d.Day()]
	return hit
}

// Refresh fetches months starting at from. A failed month keeps its
// previous cache entry; the errors are aggregated.
func (k *KASI) Refresh(ctx context.Context, from time.Time, months int) error {
	from = from.In(k.loc)
	first := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, k.loc)
	var merr *multierror.Error
	for i := 0; i < months; i++ {
		m := first.AddDate(0, i, 0)
		days, err := k.fetchMonth(ctx, m.Year(), m.Month())
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		k.cache.SetDefault(monthKey(m.Year(), m.Month()), days)
	}
	if err := merr.ErrorOrNil(); err != nil {
		return err
	}
	k.log.Debug("holidays refreshed", logx.String("from", monthKey(first.Year(), first.Month())), logx.Int("months", months))
	return nil
}

type kasiItem struct {
	DateName  string `json:"dateName"`
	IsHoliday string `json:"isHoliday"`
	LocDate   int    `json:"locdate"`
}

type kasiResponse struct {
	Response struct {
		Header struct {
			ResultCode string `json:"resultCode"`
			ResultMsg  string `json:"resultMsg"`
		} `json:"header"`
		Body struct {
			// "" when empty, an object for one item, an array otherwise
			Items json.RawMessage `json:"items"`
		} `json:"body"`
	} `json:"response"`
}

func (k *KASI) fetchMonth(ctx context.Context, year int, month time.Month) (map[int]string, error) {
	q := url.Values{}
	q.Set("serviceKey", k.serviceKey)
	q.Set("solYear", strconv.Itoa(year))
	q.Set("solMonth", fmt.Sprintf("%02d", month))
	q.Set("_type", "json")
	q.Set("numOfRows", "50")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kasi %s: %w", monthKey(year, month), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("kasi %s: http %d", monthKey(year, month), resp.StatusCode)
	}
	return parseKASI(body)
}

func parseKASI(body []byte) (map[int]string, error) {
	var r kasiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("kasi decode: %w", err)
	}
	if c := r.Response.Header.ResultCode; c != "00" {
		return nil, fmt.Errorf("kasi: result %s %s", c, r.Response.Header.ResultMsg)
	}
	items, err := decodeItems(r.Response.Body.Items)
	if err != nil {
		return nil, err
	}
	days := make(map[int]string, len(items))
	for _, it := range items {
		if it.IsHoliday != "Y" {
			continue
		}
		days[it.LocDate%100] = it.DateName
	}
	return days, nil
}

func decodeItems(raw json.RawMessage) ([]kasiItem, error) {
	var wrap struct {
		Item json.RawMessage `json:"item"`
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &wrap); err != nil {
		return nil, fmt.Errorf("kasi items: %w", err)
	}
	if len(wrap.Item) == 0 {
		return nil, nil
	}
	if wrap.Item[0] == '[' {
		var items []kasiItem
		err := json.Unmarshal(wrap.Item, &items)
		return items, err
	}
	var one kasiItem
	if err := json.Unmarshal(wrap.Item, &one); err != nil {
		return nil, err
	}
	return []kasiItem{one}, nil
}
