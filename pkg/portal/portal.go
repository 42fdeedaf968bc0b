// Package portal turns a public listing URL into listing attributes: host
// classification, a polite fetcher, and per-portal HTML extractors.
package portal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/logging"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/retry"
)

// ErrNoListingData is returned when a page was fetched but neither a property
// name nor an address could be found on it.
var ErrNoListingData = errors.New("listing page has no property name or address")

// portalHosts maps registrable domains to portals. Subdomains match too.
var portalHosts = map[string]models.Portal{
	"suumo.jp":     models.PortalSuumo,
	"homes.co.jp":  models.PortalHomes,
	"lifull.co.jp": models.PortalHomes,
}

// Classify determines which portal a submitted URL belongs to.
// Returns apperrors.ErrUnsupportedPortal for anything else.
func Classify(rawURL string) (models.Portal, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return models.PortalUnknown, fmt.Errorf("%w: malformed url", apperrors.ErrUnsupportedPortal)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return models.PortalUnknown, fmt.Errorf("%w: scheme %q", apperrors.ErrUnsupportedPortal, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	for domain, p := range portalHosts {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return p, nil
		}
	}
	return models.PortalUnknown, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedPortal, host)
}

// Extractor pulls listing attributes out of a parsed page.
type Extractor func(doc *goquery.Document) models.ListingAttributes

// Parser fetches a listing page and extracts its attributes.
type Parser interface {
	Parse(ctx context.Context, p models.Portal, rawURL string) (*models.ListingAttributes, error)
}

type listingParser struct {
	fetcher    Fetcher
	extractors map[models.Portal]Extractor
	retryCfg   *retry.Config
	logger     *zap.Logger
}

var _ Parser = (*listingParser)(nil)

// NewParser creates a parser with the SUUMO and HOME'S extractors registered.
func NewParser(fetcher Fetcher, cfg *config.PortalConfig, logger *zap.Logger) Parser {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.MaxRetries
	retryCfg.AttemptTimeout = cfg.RequestTimeout

	return &listingParser{
		fetcher: fetcher,
		extractors: map[models.Portal]Extractor{
			models.PortalSuumo: ExtractSuumo,
			models.PortalHomes: ExtractHomes,
		},
		retryCfg: retryCfg,
		logger:   logger.Named("portal"),
	}
}

// Parse fetches rawURL and runs the portal's extractor, retrying transient
// fetch failures. Unsupported portals fail without a fetch.
func (p *listingParser) Parse(ctx context.Context, portal models.Portal, rawURL string) (*models.ListingAttributes, error) {
	extract, ok := p.extractors[portal]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedPortal, portal)
	}

	attempt := 0
	attrs, err := retry.DoWithResult(ctx, p.retryCfg, func(ctx context.Context) (*models.ListingAttributes, error) {
		attempt++
		body, err := p.fetcher.Fetch(ctx, rawURL)
		if err != nil {
			p.logger.Warn("Listing fetch failed",
				zap.String("url", logging.SanitizeURL(rawURL)),
				zap.Int("attempt", attempt),
				zap.String("error", logging.SanitizeError(err)))
			return nil, err
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("parse html: %w", err))
		}

		a := extract(doc)
		if a.Name == "" && a.Address == "" {
			return nil, retry.Permanent(ErrNoListingData)
		}
		return &a, nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Listing parsed",
		zap.String("portal", string(portal)),
		zap.String("property_name", attrs.Name),
		zap.Int("attempts", attempt))
	return attrs, nil
}
