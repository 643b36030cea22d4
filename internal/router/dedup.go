package router

import (
	"fmt"
	"time"
)

const (
	dedupExactWindow = 15 * time.Second
	dedupLooseWindow = 2 * time.Second
)

// dedup suppresses duplicate commands the upstream feed can briefly surface
// twice. The exact key includes the event timestamp and holds for longer;
// the loose key ignores it and only blocks a short burst window.
type dedup struct {
	exact map[string]time.Time
	loose map[string]time.Time
	now   func() time.Time
}

func newDedup() *dedup {
	return &dedup{
		exact: map[string]time.Time{},
		loose: map[string]time.Time{},
		now:   time.Now,
	}
}

// Seen records the command and reports whether it duplicates a recent one.
func (d *dedup) Seen(platform, userKey, replyName, cmd, args string, evTS int64) bool {
	now := d.now()
	base := fmt.Sprintf("%s|%s|%s|%s|%s", platform, userKey, replyName, cmd, args)
	kExact := fmt.Sprintf("%s|%d", base, evTS)

	for k, t0 := range d.exact {
		if now.Sub(t0) > dedupExactWindow {
			delete(d.exact, k)
		}
	}
	for k, t0 := range d.loose {
		if now.Sub(t0) > dedupLooseWindow {
			delete(d.loose, k)
		}
	}

	if _, ok := d.exact[kExact]; ok {
		return true
	}
	if _, ok := d.loose[base]; ok {
		return true
	}
	d.exact[kExact] = now
	d.loose[base] = now
	return false
}
