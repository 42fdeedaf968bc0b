package portal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/retry"
)

const suumoBCPage = `<html><body>
<h1 class="section_h1-header-title">メゾン桜 101号室 - サンプル不動産が提供する賃貸物件情報</h1>
<div class="property_view_main-emphasis">11万円</div>
<div class="property_view_detail-text">JR山手線/新宿駅 歩5分</div>
<div class="property_view_detail-text">東京都千代田区麹町２</div>
<div class="property_data"><div class="property_data-title">間取り</div><div class="property_data-body">1K</div></div>
<div class="property_data"><div class="property_data-title">専有面積</div><div class="property_data-body">25.5m2</div></div>
<table><tr><th>築年月</th><td>2015年3月</td></tr></table>
</body></html>`

const suumoJNCPage = `<html><body>
<h1 class="section_h1-header-title">JR中央線 中野駅 5階建 築12年</h1>
<div class="property_view_note-emphasis">8.5万円</div>
<table>
<tr><th>所在地</th><td>東京都中野区中野2-2-2</td></tr>
<tr><th>間取り</th><td>1LDK</td></tr>
<tr><th>専有面積</th><td>40m2</td></tr>
</table>
</body></html>`

const homesPage = `<html><body>
<h1 class="heading--b1">パークハイツ南</h1>
<table><tr><th>賃料</th><td>7.2万円</td></tr><tr><th>間取り</th><td>2DK</td></tr></table>
<dl><dt>所在地</dt><dd>東京都杉並区高円寺南4-5-6</dd><dt>間取り</dt><dd>2LDK</dd></dl>
</body></html>`

func doc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	d, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return d
}

func TestClassify(t *testing.T) {
	tests := []struct {
		url  string
		want models.Portal
		err  bool
	}{
		{"https://suumo.jp/chintai/jnc_000012345678/", models.PortalSuumo, false},
		{"https://www.homes.co.jp/chintai/room/abc/", models.PortalHomes, false},
		{"http://SUUMO.JP/chintai/bc_1/", models.PortalSuumo, false},
		{"https://notsuumo.jp/x", models.PortalUnknown, true},
		{"https://example.com/listing", models.PortalUnknown, true},
		{"ftp://suumo.jp/x", models.PortalUnknown, true},
		{"not a url", models.PortalUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := Classify(tt.url)
			assert.Equal(t, tt.want, got)
			if tt.err {
				assert.ErrorIs(t, err, apperrors.ErrUnsupportedPortal)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExtractSuumo_BCPage(t *testing.T) {
	a := ExtractSuumo(doc(t, suumoBCPage))
	assert.Equal(t, "メゾン桜", a.Name)
	assert.Equal(t, "東京都千代田区麹町２", a.Address)
	assert.Equal(t, "110000円", a.Rent)
	assert.Equal(t, "1K", a.Layout)
	assert.Equal(t, "25.5m2", a.Area)
	assert.Equal(t, "2015年3月", a.BuildYear)
}

func TestExtractSuumo_JNCPageSkipsRouteHeading(t *testing.T) {
	a := ExtractSuumo(doc(t, suumoJNCPage))
	assert.Empty(t, a.Name)
	assert.Equal(t, "東京都中野区中野2-2-2", a.Address)
	assert.Equal(t, "85000円", a.Rent)
	assert.Equal(t, "1LDK", a.Layout)
}

func TestExtractHomes(t *testing.T) {
	a := ExtractHomes(doc(t, homesPage))
	assert.Equal(t, "パークハイツ南", a.Name)
	assert.Equal(t, "東京都杉並区高円寺南4-5-6", a.Address)
	assert.Equal(t, "72000円", a.Rent)
	assert.Equal(t, "2LDK", a.Layout, "definition lists override table cells")
}

func testPortalConfig() *config.PortalConfig {
	return &config.PortalConfig{
		UserAgent:      "test-agent",
		RequestTimeout: 2 * time.Second,
		MaxRetries:     2,
		RatePerSecond:  0,
		Burst:          1,
	}
}

func fastParser(t *testing.T, cfg *config.PortalConfig) *listingParser {
	p := NewParser(NewFetcher(cfg), cfg, zaptest.NewLogger(t)).(*listingParser)
	p.retryCfg.InitialDelay = time.Millisecond
	p.retryCfg.MaxDelay = 5 * time.Millisecond
	return p
}

func TestParser_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(homesPage))
	}))
	defer srv.Close()

	attrs, err := fastParser(t, testPortalConfig()).Parse(context.Background(), models.PortalHomes, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "パークハイツ南", attrs.Name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestParser_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fastParser(t, testPortalConfig()).Parse(context.Background(), models.PortalSuumo, srv.URL)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestParser_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := fastParser(t, testPortalConfig()).Parse(context.Background(), models.PortalSuumo, srv.URL)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestParser_EmptyPageIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("<html><body><p>nothing here</p></body></html>"))
	}))
	defer srv.Close()

	_, err := fastParser(t, testPortalConfig()).Parse(context.Background(), models.PortalSuumo, srv.URL)
	assert.ErrorIs(t, err, ErrNoListingData)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestParser_UnsupportedPortal(t *testing.T) {
	_, err := fastParser(t, testPortalConfig()).Parse(context.Background(), models.PortalUnknown, "https://example.com")
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedPortal)
}

func TestStatusError_IsRetryable(t *testing.T) {
	assert.True(t, (&StatusError{Code: 429}).IsRetryable())
	assert.True(t, (&StatusError{Code: 500}).IsRetryable())
	assert.False(t, (&StatusError{Code: 403}).IsRetryable())
}
