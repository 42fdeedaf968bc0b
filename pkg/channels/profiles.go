package channels

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/models"
)

var profiles = map[models.Channel]siteProfile{
	models.ChannelItanji: {
		channel:        models.ChannelItanji,
		defaultBaseURL: "https://itandibb.com",
		loginPath:      "/login",
		usernameField:  "email",
		passwordField:  "password",
		probePath:      "/top",
		searchPath:     "/rent_rooms/list",
		keywordParam:   "building_name",
		roomParam:      "room_number",
		rowSelector:    "table tbody tr, .room-list-item",
		statusSelector: ".status, .badge",
		hitDefault:     "募集中",
	},
	models.ChannelIerabu: {
		channel:        models.ChannelIerabu,
		defaultBaseURL: "https://bb.ielove.jp",
		loginPath:      "/ielovebb/login",
		usernameField:  "login_id",
		passwordField:  "password",
		probePath:      "/ielovebb/top",
		searchPath:     "/ielovebb/bukken/search",
		keywordParam:   "freeword",
		rowSelector:    ".bukken-list tr, .bukken-item",
		statusSelector: ".status",
	},
	models.ChannelESSquare: {
		channel:        models.ChannelESSquare,
		defaultBaseURL: "https://rent.es-square.net",
		loginPath:      "/login",
		usernameField:  "email",
		passwordField:  "password",
		probePath:      "/bukken/chintai/search",
		searchPath:     "/bukken/chintai/search",
		keywordParam:   "keyword",
		rowSelector:    ".bukken-card, table.result tr",
		statusSelector: ".status-label, .status",
	},
}

// Options carries the shared settings for every driver.
type Options struct {
	UserAgent      string
	RequestTimeout time.Duration
	RatePerSecond  float64 // Per channel; 0 disables pacing
}

// NewDrivers builds a driver for every canonical channel. Channels without
// credentials still get a driver; its Login returns ErrNotConfigured.
func NewDrivers(cfg *config.ChannelsConfig, opts Options, logger *zap.Logger) (map[models.Channel]Driver, error) {
	logger = logger.Named("channels")
	drivers := make(map[models.Channel]Driver, len(models.AllChannels))
	for _, ch := range models.AllChannels {
		creds, ok := cfg.Lookup(string(ch))
		if !ok {
			return nil, fmt.Errorf("no credentials slot for channel %s", ch)
		}

		var limiter *rate.Limiter
		if opts.RatePerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
		}

		d, err := newHTTPDriver(profiles[ch], creds, opts.UserAgent, opts.RequestTimeout, limiter, logger)
		if err != nil {
			return nil, err
		}
		drivers[ch] = d

		if !d.Configured() {
			logger.Warn("Channel has no credentials; checks will fall back to phone tasks",
				zap.String("channel", string(ch)))
		}
	}
	return drivers, nil
}
