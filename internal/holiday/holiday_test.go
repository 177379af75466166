package holiday

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportbot/internal/schedule"
	logx "reportbot/pkg/logx"
)

var kst = time.FixedZone("KST", 9*3600)

func day(m time.Month, d int) time.Time { return time.Date(2026, m, d, 12, 0, 0, 0, kst) }

func TestStaticAndYAML(t *testing.T) {
	s, err := NewStatic("2026-01-01")
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "holidays.yaml")
	require.NoError(t, os.WriteFile(p, []byte("holidays:\n  - date: 2026-10-03\n    name: National Foundation Day\n  - date: 2026-10-09\n"), 0o644))
	require.NoError(t, s.LoadYAML(p))

	assert.Equal(t, 3, s.Len())
	assert.True(t, s.IsHoliday(day(time.October, 9)))
	assert.False(t, s.IsHoliday(day(time.October, 14)))

	_, err = NewStatic("10/03/2026")
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	a, _ := NewStatic("2026-10-03")
	b, _ := NewStatic("2026-10-09")
	c := Chain{a, nil, b}
	assert.True(t, c.IsHoliday(day(time.October, 3)))
	assert.True(t, c.IsHoliday(day(time.October, 9)))
	assert.False(t, c.IsHoliday(day(time.October, 10)))

	var _ schedule.HolidayCalendar = c
}

const octoberBody = `{"response":{"header":{"resultCode":"00","resultMsg":"NORMAL SERVICE."},
"body":{"items":{"item":[
 {"dateKind":"01","dateName":"Foundation Day","isHoliday":"Y","locdate":20261003,"seq":1},
 {"dateKind":"01","dateName":"Substitute","isHoliday":"Y","locdate":20261005,"seq":1},
 {"dateKind":"01","dateName":"Hangul Day","isHoliday":"Y","locdate":20261009,"seq":1}
]},"numOfRows":50,"pageNo":1,"totalCount":3}}}`

const novemberBody = `{"response":{"header":{"resultCode":"00","resultMsg":"NORMAL SERVICE."},
"body":{"items":"","numOfRows":50,"pageNo":1,"totalCount":0}}}`

const singleBody = `{"response":{"header":{"resultCode":"00","resultMsg":"NORMAL SERVICE."},
"body":{"items":{"item":{"dateName":"Christmas","isHoliday":"Y","locdate":20261225}},"totalCount":1}}}`

func TestKASIRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "secret", r.URL.Query().Get("serviceKey"))
		assert.Equal(t, "json", r.URL.Query().Get("_type"))
		switch r.URL.Query().Get("solMonth") {
		case "10":
			fmt.Fprint(w, octoberBody)
		case "11":
			fmt.Fprint(w, novemberBody)
		case "12":
			fmt.Fprint(w, singleBody)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	k, err := NewKASI(KASIConfig{ServiceKey: "secret", Endpoint: srv.URL, Location: kst}, logx.Nop())
	require.NoError(t, err)
	assert.False(t, k.IsHoliday(day(time.October, 3)), "empty cache never blocks")

	require.NoError(t, k.Refresh(context.Background(), day(time.October, 14), 3))
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, k.IsHoliday(day(time.October, 3)))
	assert.True(t, k.IsHoliday(day(time.October, 5)))
	assert.False(t, k.IsHoliday(day(time.October, 14)))
	assert.False(t, k.IsHoliday(day(time.November, 3)))
	assert.True(t, k.IsHoliday(day(time.December, 25)))

	err = k.Refresh(context.Background(), day(time.December, 1), 2)
	assert.Error(t, err, "january fails")
	assert.True(t, k.IsHoliday(day(time.December, 25)), "good months still cached")
}

func TestParseKASIRejectsErrorResult(t *testing.T) {
	_, err := parseKASI([]byte(`{"response":{"header":{"resultCode":"30","resultMsg":"SERVICE KEY IS NOT REGISTERED ERROR."}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT REGISTERED")
}

func TestNewKASIRequiresKey(t *testing.T) {
	_, err := NewKASI(KASIConfig{}, logx.Nop())
	assert.Error(t, err)
}
