package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/logging"
	"github.com/akikaku/akikaku-engine/pkg/models"
)

const maxPageBytes = 4 << 20

// siteProfile describes how one portal's login and search pages are laid out.
type siteProfile struct {
	channel        models.Channel
	defaultBaseURL string

	loginPath     string
	usernameField string
	passwordField string
	probePath     string

	searchPath   string
	keywordParam string
	roomParam    string // When set, room goes in its own field instead of the keyword

	rowSelector    string
	statusSelector string
	// hitDefault is the signal for a found listing with no status word.
	// イタンジBB only marks rows that have an application.
	hitDefault Signal
}

// zeroHitsPattern matches a "0件" result count but not "10件".
var zeroHitsPattern = regexp.MustCompile(`(^|[^0-9])0\s*件`)

// session is the Handle for HTTP-driven portals: a cookie jar bound client.
type session struct {
	channel models.Channel
	client  *http.Client
	created time.Time
}

func (s *session) Channel() models.Channel { return s.channel }

type httpDriver struct {
	profile   siteProfile
	creds     config.ChannelCredentials
	base      *url.URL
	userAgent string
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *zap.Logger
}

var _ Driver = (*httpDriver)(nil)

func newHTTPDriver(p siteProfile, creds config.ChannelCredentials, userAgent string, timeout time.Duration, limiter *rate.Limiter, logger *zap.Logger) (*httpDriver, error) {
	raw := creds.BaseURL
	if raw == "" {
		raw = p.defaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("channel %s base url: %w", p.channel, err)
	}
	return &httpDriver{
		profile:   p,
		creds:     creds,
		base:      base,
		userAgent: userAgent,
		timeout:   timeout,
		limiter:   limiter,
		logger:    logger.Named(string(p.channel)),
	}, nil
}

func (d *httpDriver) Channel() models.Channel { return d.profile.channel }

func (d *httpDriver) Configured() bool { return d.creds.Configured() }

// Login submits the portal's login form, carrying over its hidden fields.
func (d *httpDriver) Login(ctx context.Context) (Handle, error) {
	if !d.Configured() {
		return nil, ErrNotConfigured
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	s := &session{
		channel: d.profile.channel,
		client:  &http.Client{Jar: jar, Timeout: d.timeout},
		created: time.Now(),
	}

	loginURL := d.resolve(d.profile.loginPath)
	doc, _, err := d.get(ctx, s, loginURL)
	if err != nil {
		return nil, err
	}

	form := doc.Find("form").FilterFunction(func(_ int, f *goquery.Selection) bool {
		return f.Find(fmt.Sprintf("input[name=%q]", d.profile.passwordField)).Length() > 0
	}).First()
	if form.Length() == 0 {
		return nil, fmt.Errorf("%s: login form not found", d.profile.channel)
	}

	values := url.Values{}
	form.Find("input[type=hidden]").Each(func(_ int, in *goquery.Selection) {
		if name, ok := in.Attr("name"); ok {
			values.Set(name, in.AttrOr("value", ""))
		}
	})
	values.Set(d.profile.usernameField, d.creds.Username)
	values.Set(d.profile.passwordField, d.creds.Password)

	action := loginURL
	if a, ok := form.Attr("action"); ok && a != "" {
		action = d.resolveFrom(loginURL, a)
	}

	doc, final, err := d.post(ctx, s, action, values)
	if err != nil {
		return nil, err
	}
	if d.isLoginPage(doc, final) {
		return nil, ErrAuth
	}

	d.logger.Info("Logged in", zap.String("landing", logging.SanitizeURL(final.String())))
	return s, nil
}

// Probe loads a members-only page and reports ErrAuth if it bounces to login.
func (d *httpDriver) Probe(ctx context.Context, h Handle) error {
	s, err := d.session(h)
	if err != nil {
		return err
	}
	doc, final, err := d.get(ctx, s, d.resolve(d.profile.probePath))
	if err != nil {
		return err
	}
	if d.isLoginPage(doc, final) {
		return ErrAuth
	}
	return nil
}

// Query searches for the listing and returns the status text of the best row.
func (d *httpDriver) Query(ctx context.Context, h Handle, q Query) (Signal, error) {
	s, err := d.session(h)
	if err != nil {
		return "", err
	}

	u := d.resolve(d.profile.searchPath)
	params := u.Query()
	if d.profile.roomParam != "" {
		params.Set(d.profile.keywordParam, q.Name)
		if q.Room != "" {
			params.Set(d.profile.roomParam, q.Room)
		}
	} else {
		params.Set(d.profile.keywordParam, q.Keyword())
	}
	u.RawQuery = params.Encode()

	doc, final, err := d.get(ctx, s, u)
	if err != nil {
		return "", err
	}
	if d.isLoginPage(doc, final) {
		return "", ErrAuth
	}

	return d.readSignal(doc, q), nil
}

func (d *httpDriver) readSignal(doc *goquery.Document, q Query) Signal {
	body := compact(doc.Find("body").Text())
	if (strings.Contains(body, "該当する物件") && strings.Contains(body, "ありません")) ||
		zeroHitsPattern.MatchString(body) {
		return SignalNoListing
	}

	rows := doc.Find(d.profile.rowSelector)
	if rows.Length() == 0 {
		// Some result pages render a single detail view instead of rows.
		if k, ok := detect(d.profile.channel, body); ok {
			return Signal(k.word)
		}
		return SignalNoListing
	}

	row := rows.First()
	if q.Room != "" {
		rows.EachWithBreak(func(_ int, r *goquery.Selection) bool {
			if strings.Contains(compact(r.Text()), q.Room) {
				row = r
				return false
			}
			return true
		})
	}

	status := row
	if d.profile.statusSelector != "" {
		if st := row.Find(d.profile.statusSelector); st.Length() > 0 {
			status = st
		}
	}
	if k, ok := detect(d.profile.channel, compact(status.Text())); ok {
		return Signal(k.word)
	}
	if d.profile.hitDefault != "" {
		return d.profile.hitDefault
	}
	return Signal(compact(status.Text()))
}

func (d *httpDriver) session(h Handle) (*session, error) {
	s, ok := h.(*session)
	if !ok || s == nil || s.channel != d.profile.channel {
		return nil, fmt.Errorf("%s: foreign or empty session handle", d.profile.channel)
	}
	return s, nil
}

func (d *httpDriver) isLoginPage(doc *goquery.Document, final *url.URL) bool {
	if final != nil && strings.HasPrefix(final.Path, d.profile.loginPath) {
		return true
	}
	return doc.Find(fmt.Sprintf("input[name=%q]", d.profile.passwordField)).Length() > 0
}

// ============================================================================
// HTTP helpers
// ============================================================================

func (d *httpDriver) get(ctx context.Context, s *session, u *url.URL) (*goquery.Document, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	return d.do(ctx, s, req)
}

func (d *httpDriver) post(ctx context.Context, s *session, u *url.URL, form url.Values) (*goquery.Document, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return d.do(ctx, s, req)
}

func (d *httpDriver) do(ctx context.Context, s *session, req *http.Request) (*goquery.Document, *url.URL, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept-Language", "ja")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, nil, err
		}
		return nil, nil, Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, nil, Transient(fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil, ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, nil, Transient(fmt.Errorf("http status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return nil, nil, fmt.Errorf("%s: http status %d", d.profile.channel, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, resp.Request.URL, nil
}

func (d *httpDriver) resolve(path string) *url.URL {
	return d.resolveFrom(d.base, path)
}

func (d *httpDriver) resolveFrom(from *url.URL, ref string) *url.URL {
	r, err := url.Parse(ref)
	if err != nil {
		return from
	}
	return from.ResolveReference(r)
}

func compact(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
