package feedsub

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"ostatus/internal/fedhttp"
)

// HTTPTransport posts intents as PuSH form requests.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

// Send succeeds only when the hub answers 202 Accepted.
func (t *HTTPTransport) Send(ctx context.Context, in Intent) error {
	form := url.Values{}
	form.Set("hub.mode", in.Mode)
	form.Set("hub.callback", in.Callback)
	form.Set("hub.verify", "async")
	form.Set("hub.topic", in.Topic)
	if in.Secret != "" {
		form.Set("hub.secret", in.Secret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.Hub, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if in.Username != "" {
		req.SetBasicAuth(in.Username, in.Password)
	}
	resp, err := fedhttp.Do(t.client, req, http.StatusAccepted)
	if err != nil {
		return err
	}
	fedhttp.Drain(resp)
	return nil
}
