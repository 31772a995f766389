package session

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const avatarCacheSize = 1024

// placeholderAvatar is used whenever the protocol has no picture for id.
func placeholderAvatar(id string) string {
	return "https://i.pravatar.cc/150?u=" + url.QueryEscape(id)
}

// avatars caches resolved avatar URLs for a limited time so a burst of
// messages from one contact costs a single lookup.
type avatars struct {
	cache   *expirable.LRU[string, string]
	timeout time.Duration
	log     zerolog.Logger
}

func newAvatars(ttl, timeout time.Duration, log zerolog.Logger) *avatars {
	return &avatars{
		cache:   expirable.NewLRU[string, string](avatarCacheSize, nil, ttl),
		timeout: timeout,
		log:     log,
	}
}

func (a *avatars) cached(id string) (string, bool) {
	return a.cache.Get(id)
}

// resolve asks the adapter for id's avatar, falling back to a placeholder on
// any failure. The result is cached either way.
func (a *avatars) resolve(ctx context.Context, ad Adapter, id string) string {
	var u string
	if ad != nil {
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		got, err := ad.FetchAvatar(ctx, id)
		cancel()
		if err != nil {
			a.log.Debug().Err(err).Str("contact", id).Msg("avatar lookup failed")
		}
		u = strings.TrimSpace(got)
	}
	if u == "" {
		u = placeholderAvatar(id)
	}
	a.cache.Add(id, u)
	return u
}
