package client

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"parley/realtime"
)

// Subscribe opens the server-sent-events stream for a thread channel,
// satisfying realtime.Subscriber. The token is the ephemeral channel token
// from ChannelToken; the stream stays up until the context is cancelled, the
// subscription is closed, or the server drops the connection.
func (c *Client) Subscribe(ctx context.Context, threadIdentifier, token string) (realtime.Subscription, error) {
	endpoint := fmt.Sprintf("%s/api/threads/%s/events?token=%s",
		c.baseURL, threadIdentifier, url.QueryEscape(token))

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build subscribe request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The streaming request must outlive any per-request timeout configured
	// on the REST client; cancellation happens through the context.
	stream := &http.Client{Transport: c.httpClient.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, decodeAPIError(resp)
	}

	sub := &sseSubscription{
		events: make(chan realtime.Event, 8),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go sub.read(c, resp)
	return sub, nil
}

type sseSubscription struct {
	events    chan realtime.Event
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *sseSubscription) Events() <-chan realtime.Event { return s.events }

func (s *sseSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

func (s *sseSubscription) read(c *Client, resp *http.Response) {
	defer resp.Body.Close()
	defer close(s.events)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 16<<10), 1<<20)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				s.dispatch(c, data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// comment keepalives and event/id fields; the payload envelope
			// already carries its type
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug().Err(err).Msg("event stream closed")
	}
}

func (s *sseSubscription) dispatch(c *Client, payload string) {
	ev, err := realtime.DecodeEvent([]byte(payload))
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed push event")
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
