package devserver

import (
	"time"

	"jobsync/internal/api"
)

type qrToken struct {
	Platform    string
	IssuedAt    time.Time
	Succeeded   bool
	SucceededAt time.Time
}

// pollStatus reports where a simulated handshake is at now. A code that
// reaches success stays successful; anything else expires after ttl.
func (t *qrToken) pollStatus(now time.Time, scanAfter, confirmAfter, ttl time.Duration) api.QRPoll {
	if t.Succeeded {
		return api.QRPoll{Status: api.QRSuccess, Message: "logged in"}
	}
	age := now.Sub(t.IssuedAt)
	switch {
	case age >= ttl:
		return api.QRPoll{Status: api.QRExpired, Message: "code expired"}
	case age >= confirmAfter:
		t.Succeeded = true
		t.SucceededAt = now
		return api.QRPoll{Status: api.QRSuccess, Message: "logged in"}
	case age >= scanAfter:
		return api.QRPoll{Status: api.QRScanned, Message: "confirm on your phone"}
	default:
		return api.QRPoll{Status: api.QRWaiting}
	}
}

// stale reports whether the code finished, by success or expiry, at least
// ttl before now and may be forgotten.
func (t *qrToken) stale(now time.Time, ttl time.Duration) bool {
	end := t.IssuedAt.Add(ttl)
	if t.Succeeded {
		end = t.SucceededAt
	}
	return now.Sub(end) >= ttl
}
