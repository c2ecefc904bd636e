package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"nhooyr.io/websocket"
)

// watchMessage is one frame on the watch stream. The store pushes a
// full-collection snapshot on subscribe and again after every change.
type watchMessage struct {
	Type      string     `json:"type"`
	Documents []Document `json:"documents"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type wsSubscription struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (s *wsSubscription) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe opens a live query for one collection scoped to groupID.
// Snapshots and errors are delivered on the subscription's reader
// goroutine; callers marshal to their own context before touching
// shared state. A read failure ends the stream after a single onError
// call; reconnecting is the caller's decision.
func (c *Client) Subscribe(collection, groupID string, onSnapshot func([]Document), onError func(error)) (Subscription, error) {
	if onSnapshot == nil {
		onSnapshot = func([]Document) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	q := url.Values{}
	q.Set("groupId", groupID)
	watchURL := fmt.Sprintf("%s/v1/collections/%s/watch?%s", c.baseURL, url.PathEscape(collection), q.Encode())

	ctx, cancel := context.WithCancel(context.Background())
	header := http.Header{}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			cancel()
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, watchURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &wsSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer conn.Close(websocket.StatusNormalClosure, "subscription stopped")
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					onError(err)
				}
				return
			}
			var msg watchMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				onError(err)
				return
			}
			switch msg.Type {
			case "snapshot":
				onSnapshot(msg.Documents)
			case "error":
				onError(&HTTPError{StatusCode: http.StatusBadGateway, Code: msg.Code, Message: msg.Message})
				return
			}
		}
	}()
	return sub, nil
}
