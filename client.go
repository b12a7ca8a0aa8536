// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// clientRemote is the pendingKey placeholder for a Client's single peer:
// a Client dials exactly one remote, so there is no ambiguity to key on.
const clientRemote = "server"

// Client drives requests against a single CoAP endpoint over UDP,
// retrying confirmable messages through a ReliabilityEngine and tracking
// observe subscriptions through an observeClientRegistry.
type Client struct {
	log         *logrus.Entry
	sock        *udpSocket
	reliability *ReliabilityEngine
	observe     *observeClientRegistry

	mid   *atomic.Uint32
	token *atomic.Uint32

	mu      sync.Mutex
	waiters map[string]chan *Message
}

// NewClient dials addr ("host:port") and starts its read and reliability
// loops.
func NewClient(addr string, opts ...Option) (*Client, error) {
	cfg := NewConfig(opts...)
	sock, err := DialUDP(cfg.Log, addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		log:         cfg.Log,
		sock:        sock,
		reliability: NewReliabilityEngine(cfg.Log),
		observe:     newObserveClientRegistry(),
		mid:         atomic.NewUint32(0),
		token:       atomic.NewUint32(0),
		waiters:     make(map[string]chan *Message),
	}
	c.reliability.Start()
	go func() {
		if err := sock.Serve(c.onMessage); err != nil {
			c.log.WithError(err).Debug("client: read loop ended")
		}
	}()
	return c, nil
}

// Close stops the client's background goroutines and its socket.
func (c *Client) Close() error {
	c.reliability.Stop()
	return c.sock.Close()
}

func (c *Client) nextToken() []byte {
	v := c.token.Add(1)
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func (c *Client) onMessage(_ string, msg *Message) {
	if msg.Type == Acknowledgement || msg.Type == Reset {
		c.reliability.Ack(clientRemote, msg.MessageID, msg.Payload, msg.Type == Reset)
	}
	if c.observe.Deliver(msg) {
		return
	}
	c.mu.Lock()
	ch, ok := c.waiters[string(msg.Token)]
	if ok {
		delete(c.waiters, string(msg.Token))
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// Do sends req, assigning it a token and message ID if it has none, and
// waits for a matching response, retrying under the hood if req is
// confirmable. It returns ErrTimeout if ctx is done first and
// ErrTransmitFail if MAX_RETRANSMIT is exhausted first.
func (c *Client) Do(ctx context.Context, req *Message) (*Message, error) {
	if len(req.Token) == 0 {
		req.Token = c.nextToken()
	}
	if req.MessageID == 0 {
		req.MessageID = uint16(c.mid.Add(1))
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.waiters[string(req.Token)] = ch
	c.mu.Unlock()

	data, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := c.sock.Send(data); err != nil {
		return nil, err
	}
	if req.IsConfirmable() {
		c.reliability.Track(&PendingTransmission{
			Remote:    clientRemote,
			MessageID: req.MessageID,
			Data:      data,
			Send:      c.sock.Send,
			OnFail: func(err error) {
				c.mu.Lock()
				if w, ok := c.waiters[string(req.Token)]; ok {
					delete(c.waiters, string(req.Token))
					select {
					case w <- nil:
					default:
					}
				}
				c.mu.Unlock()
			},
		})
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrTransmitFail
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, string(req.Token))
		c.mu.Unlock()
		c.reliability.Cancel(clientRemote, req.MessageID)
		return nil, ErrTimeout
	}
}

// Get issues a confirmable GET for path.
func (c *Client) Get(ctx context.Context, path string) (*Message, error) {
	req := &Message{Type: Confirmable, Code: GET}
	req.SetPathString(path)
	return c.Do(ctx, req)
}

// Post issues a confirmable POST of body (encoded with format) to path.
func (c *Client) Post(ctx context.Context, path string, format MediaType, body []byte) (*Message, error) {
	req := &Message{Type: Confirmable, Code: POST, Payload: body}
	req.SetPathString(path)
	req.SetOption(ContentFormat, format)
	return c.Do(ctx, req)
}

// Observe registers an observation of path, delivering each fresh
// notification to onNotify until the returned Subscription is cancelled.
func (c *Client) Observe(ctx context.Context, path string, onNotify func(*Message)) (*Subscription, error) {
	token := c.nextToken()
	req := &Message{Type: Confirmable, Code: GET, Token: token}
	req.SetPathString(path)
	req.SetOption(Observe, uint32(0))

	// The registration GET's own response is matched by Do through
	// c.waiters, keyed on token. Only register the token with the observe
	// registry once that response has arrived, otherwise onMessage's
	// Deliver-before-waiters check would swallow it as a notification and
	// Do would block until ctx expires.
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Code.Class() != 2 {
		return nil, &CoapError{Kind: KindHandlerError, Code: resp.Code, Message: fmt.Sprintf("observe registration rejected: %s", resp.Code)}
	}
	sub := c.observe.Register(token, path, onNotify)
	if seqVal, ok := resp.Option(Observe).(uint32); ok {
		sub.seedSeq(seqVal)
	}
	return sub, nil
}

// CancelObserve deregisters sub, sending Observe=1 to the server.
func (c *Client) CancelObserve(ctx context.Context, sub *Subscription) error {
	c.observe.Cancel(sub.Token)
	req := &Message{Type: Confirmable, Code: GET, Token: sub.Token}
	req.SetPathString(sub.Path)
	req.SetOption(Observe, uint32(1))
	_, err := c.Do(ctx, req)
	return err
}

// WithTimeout is a convenience around context.WithTimeout for callers that
// don't otherwise need a context.
func WithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
