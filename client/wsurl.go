package client

import (
	"fmt"
	"net/url"
)

// websocketURL derives the event socket URL from the service base URL.
// http maps to ws and https to wss; the client id is added as the clientId
// query parameter, which is what ties socket notifications to prompts
// queued over HTTP.
func websocketURL(base *url.URL, clientID string) (string, error) {
	u := base.JoinPath("ws")
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: %q", ErrWSScheme, u.Scheme)
	}
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
