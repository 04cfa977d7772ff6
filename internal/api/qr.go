package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const (
	QRWaiting = "waiting"
	QRScanned = "scanned"
	QRSuccess = "success"
	QRExpired = "expired"
)

// QRCode is a handshake artifact: URL is what the code encodes, Token is
// what status polls carry.
type QRCode struct {
	URL   string `json:"qr_url"`
	Token string `json:"token"`
}

type QRPoll struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (c *Client) GenerateQR(ctx context.Context, platform string) (QRCode, error) {
	var code QRCode
	if err := c.do(ctx, http.MethodGet, "/cookies/"+url.PathEscape(platform)+"/qr/generate", nil, nil, &code); err != nil {
		return QRCode{}, err
	}
	if code.Token == "" || code.URL == "" {
		return QRCode{}, fmt.Errorf("generate qr for %s: incomplete response", platform)
	}
	return code, nil
}

func (c *Client) PollQR(ctx context.Context, platform, token string) (QRPoll, error) {
	var poll QRPoll
	query := url.Values{"token": []string{token}}
	err := c.do(ctx, http.MethodGet, "/cookies/"+url.PathEscape(platform)+"/qr/poll", query, nil, &poll)
	return poll, err
}
