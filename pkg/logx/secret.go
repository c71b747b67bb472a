package logx

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Masked replaces a secret where not even a hint of it may appear.
const Masked = "***"

var secrets struct {
	mu   sync.RWMutex
	list []string
	rep  *strings.Replacer
}

// RegisterSecret makes every sink and Redact mask s from now on. Empty and
// very short values are ignored.
func RegisterSecret(s string) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return
	}
	secrets.mu.Lock()
	defer secrets.mu.Unlock()
	for _, have := range secrets.list {
		if have == s {
			return
		}
	}
	secrets.list = append(secrets.list, s)
	pairs := make([]string, 0, 2*len(secrets.list))
	for _, v := range secrets.list {
		pairs = append(pairs, v, Mask(v))
	}
	secrets.rep = strings.NewReplacer(pairs...)
}

// Redact masks every registered secret in s.
func Redact(s string) string {
	secrets.mu.RLock()
	rep := secrets.rep
	secrets.mu.RUnlock()
	if rep == nil {
		return s
	}
	return rep.Replace(s)
}

// Mask keeps just enough of s to tell two credentials apart.
func Mask(s string) string {
	if len(s) < 12 {
		return Masked
	}
	return s[:3] + "…" + s[len(s)-4:]
}

// redactWriter masks secrets in every line before it reaches a sink.
type redactWriter struct{ w zerolog.LevelWriter }

func newRedactWriter(w zerolog.LevelWriter) *redactWriter { return &redactWriter{w: w} }

func (r *redactWriter) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.NoLevel, p)
}

func (r *redactWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	out := Redact(string(p))
	if _, err := r.w.WriteLevel(level, []byte(out)); err != nil {
		return 0, err
	}
	return len(p), nil
}
