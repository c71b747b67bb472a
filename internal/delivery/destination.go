package delivery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"pewpost/internal/ratelimit"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

// ParseDestination normalizes a chat reference:
//
//	-1001234567890          numeric id
//	@channel, channel       public username
//	https://t.me/channel    public link, optionally /<thread>
//	https://t.me/c/123/45   private link, becomes -100123 in thread 45
func ParseDestination(s string) (transport.ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return transport.ChatTarget{}, ErrNoDestination
	}
	if path, ok := linkPath(s); ok {
		return parseLink(s, path)
	}
	if isChatID(s) {
		return transport.ChatTarget{Chat: s}, nil
	}
	name := strings.TrimPrefix(s, "@")
	if !validUsername(name) {
		return transport.ChatTarget{}, fmt.Errorf("%w: %q", ErrNoDestination, s)
	}
	return transport.ChatTarget{Chat: "@" + name}, nil
}

func linkPath(s string) (string, bool) {
	l := strings.ToLower(s)
	for _, scheme := range []string{"https://", "http://", ""} {
		for _, host := range []string{"t.me/", "telegram.me/"} {
			if strings.HasPrefix(l, scheme+host) {
				return strings.Trim(s[len(scheme+host):], "/"), true
			}
		}
	}
	return "", false
}

func parseLink(orig, path string) (transport.ChatTarget, error) {
	bad := fmt.Errorf("%w: %q", ErrNoDestination, orig)
	parts := strings.Split(path, "/")
	var t transport.ChatTarget
	switch {
	case len(parts) >= 2 && parts[0] == "c":
		if !isDigits(parts[1]) {
			return t, bad
		}
		t.Chat = "-100" + parts[1]
		parts = parts[2:]
	case len(parts) >= 1 && validUsername(parts[0]):
		t.Chat = "@" + parts[0]
		parts = parts[1:]
	default:
		return t, bad
	}
	switch len(parts) {
	case 0:
	case 1:
		n, err := strconv.Atoi(parts[0])
		if err != nil || n <= 0 {
			return transport.ChatTarget{}, bad
		}
		t.ThreadID = n
	default:
		return transport.ChatTarget{}, bad
	}
	return t, nil
}

func isChatID(s string) bool {
	return isDigits(strings.TrimPrefix(s, "-"))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// validUsername follows Telegram's rules: 4 to 32 of [A-Za-z0-9_], starting
// with a letter.
func validUsername(s string) bool {
	if len(s) < 4 || len(s) > 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c == '_' || (c >= '0' && c <= '9')):
		default:
			return false
		}
	}
	return true
}

// aliasCache memoizes @username → numeric id lookups. It is advisory: a
// miss or a failed lookup sends to the username directly.
type aliasCache struct {
	lookup  transport.ChatLookup
	limiter *ratelimit.Limiter
	now     func() time.Time

	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]aliasEntry
}

type aliasEntry struct {
	chat  string
	until time.Time
}

const lookupTimeout = 5 * time.Second

func newAliasCache(lookup transport.ChatLookup, limiter *ratelimit.Limiter, ttl time.Duration) *aliasCache {
	return &aliasCache{lookup: lookup, limiter: limiter, ttl: ttl, now: time.Now, entries: map[string]aliasEntry{}}
}

func (c *aliasCache) setTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *aliasCache) resolve(ctx context.Context, t transport.ChatTarget, log logx.Logger) transport.ChatTarget {
	if c == nil || c.lookup == nil || !strings.HasPrefix(t.Chat, "@") {
		return t
	}
	key := strings.ToLower(t.Chat)
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	ttl := c.ttl
	c.mu.Unlock()
	if ok && now.Before(e.until) {
		t.Chat = e.chat
		return t
	}

	// getChat counts against the same bot-wide quota as sends.
	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	err := c.limiter.Acquire(lctx, 1)
	var id int64
	if err == nil {
		id, err = c.lookup.LookupChat(lctx, t.Chat)
	}
	cancel()
	if err != nil {
		log.Debug("alias lookup failed; sending to username", logx.String("alias", t.Chat), logx.Err(err))
		return t
	}
	chat := strconv.FormatInt(id, 10)

	c.mu.Lock()
	for k, old := range c.entries {
		if !now.Before(old.until) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = aliasEntry{chat: chat, until: now.Add(ttl)}
	c.mu.Unlock()

	t.Chat = chat
	return t
}
