package clustering

import (
	"cmp"
	"slices"
	"time"
)

// buildSessions groups photos by time. Photos are ordered by timestamp and a new session
// starts whenever the gap to the previous photo exceeds window. Photos without a
// timestamp belong to no session.
func buildSessions(photos map[string]time.Time, window time.Duration) ([]PhotoSession, map[string]int) {
	type photo struct {
		uri string
		at  time.Time
	}
	ordered := make([]photo, 0, len(photos))
	for uri, at := range photos {
		if uri == "" || at.IsZero() {
			continue
		}
		ordered = append(ordered, photo{uri: uri, at: at})
	}
	slices.SortFunc(ordered, func(a, b photo) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return cmp.Compare(a.uri, b.uri)
	})

	var sessions []PhotoSession
	sessionOf := make(map[string]int, len(ordered))
	for _, p := range ordered {
		n := len(sessions)
		if n == 0 || p.at.Sub(sessions[n-1].End) > window {
			sessions = append(sessions, PhotoSession{ID: n, Start: p.at, End: p.at})
			n++
		}
		s := &sessions[n-1]
		s.End = p.at
		s.PhotoURIs = append(s.PhotoURIs, p.uri)
		sessionOf[p.uri] = s.ID
	}
	return sessions, sessionOf
}

// sessionHints answers whether a face shares a photo or a session with another face.
type sessionHints struct {
	sessionOf map[string]int
}

func (h *sessionHints) related(photoA, photoB string) bool {
	if photoA == "" || photoB == "" {
		return false
	}
	if photoA == photoB {
		return true
	}
	sa, okA := h.sessionOf[photoA]
	sb, okB := h.sessionOf[photoB]
	return okA && okB && sa == sb
}
