package login

import (
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// notice is the one-shot message surfaced through ?message=
type notice struct {
	text      string
	expiresAt time.Time
}

// ConsumeNoticeFromQuery shows the message query parameter of rawQuery, if
// any, and schedules it to clear after the notice window. Calling it again
// with a message replaces the text and re-arms the timer. It returns true
// when a notice was set. A leading "?" is accepted.
func (f *Flow) ConsumeNoticeFromQuery(rawQuery string) bool {
	values, err := url.ParseQuery(strings.TrimPrefix(rawQuery, "?"))
	if err != nil {
		// ParseQuery keeps every pair it could decode.
		f.logger.Debug("malformed query string", zap.Error(err))
	}
	return f.showNotice(values.Get(noticeParam))
}

// Mount consumes the notice from the router's current query parameters
func (f *Flow) Mount() bool {
	return f.showNotice(f.router.CurrentQueryParameters().Get(noticeParam))
}

func (f *Flow) showNotice(text string) bool {
	if text == "" {
		return false
	}

	now := f.clock.Now()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.noticeGen++
	gen := f.noticeGen
	previous := f.noticeTimer
	f.noticeTimer = nil
	f.notice = notice{text: text, expiresAt: now.Add(f.noticeTTL)}
	f.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}

	timer := f.clock.AfterFunc(f.noticeTTL, func() {
		f.expireNotice(gen)
	})

	f.mu.Lock()
	stale := f.closed || f.noticeGen != gen
	if !stale {
		f.noticeTimer = timer
	}
	f.mu.Unlock()

	if stale {
		// Closed or re-armed while the timer was being created.
		timer.Stop()
	}
	return true
}

// expireNotice clears the notice armed under generation gen. A callback from
// a replaced or cancelled timer finds a newer generation and does nothing.
func (f *Flow) expireNotice(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.noticeGen != gen {
		return
	}
	f.notice = notice{}
	f.noticeTimer = nil
}
