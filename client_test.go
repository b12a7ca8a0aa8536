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
	"testing"
	"time"
)

// fakePeer answers a Client's datagrams by hand, standing in for a full
// Server so these tests exercise Client.Do/Get/Post/Observe in isolation.
type fakePeer struct {
	sock *udpSocket
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	sock, err := ListenUDP(nil, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return &fakePeer{sock: sock}
}

func (f *fakePeer) addr() string { return f.sock.LocalAddr().String() }

func (f *fakePeer) close() { f.sock.Close() }

// serveAck acknowledges every confirmable request with a piggybacked 2.05
// Content response carrying body.
func (f *fakePeer) serveAck(t *testing.T, body []byte) {
	go f.sock.Serve(func(remote string, msg *Message) {
		resp := &Message{Type: Acknowledgement, Code: Content, MessageID: msg.MessageID, Token: msg.Token, Payload: body}
		data, err := resp.MarshalBinary()
		if err != nil {
			t.Logf("fakePeer: marshal failed: %v", err)
			return
		}
		f.sock.SendTo(remote, data)
	})
}

func TestClientGetReceivesAckedResponse(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.close()
	peer.serveAck(t, []byte(`{"message":"Pong!"}`))

	c, err := NewClient(peer.addr())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := WithTimeout(2 * time.Second)
	defer cancel()
	resp, err := c.Get(ctx, "/ping")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Code != Content {
		t.Fatalf("Code = %v, want Content", resp.Code)
	}
	if string(resp.Payload) != `{"message":"Pong!"}` {
		t.Fatalf("Payload = %s", resp.Payload)
	}
}

func TestClientPostSendsBodyAndContentFormat(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.close()

	var gotFormat MediaType
	var gotPayload []byte
	go peer.sock.Serve(func(remote string, msg *Message) {
		gotFormat, _ = msg.Option(ContentFormat).(MediaType)
		gotPayload = msg.Payload
		resp := &Message{Type: Acknowledgement, Code: Created, MessageID: msg.MessageID, Token: msg.Token}
		data, _ := resp.MarshalBinary()
		peer.sock.SendTo(remote, data)
	})

	c, err := NewClient(peer.addr())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := WithTimeout(2 * time.Second)
	defer cancel()
	resp, err := c.Post(ctx, "/echo", AppJSON, []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Code != Created {
		t.Fatalf("Code = %v, want Created", resp.Code)
	}
	if gotFormat != AppJSON || string(gotPayload) != `{"x":1}` {
		t.Fatalf("server saw format=%v payload=%s", gotFormat, gotPayload)
	}
}

func TestClientDoTimesOutWithoutResponse(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.close()
	// no serve loop: every request is black-holed

	c, err := NewClient(peer.addr())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := WithTimeout(50 * time.Millisecond)
	defer cancel()
	_, err = c.Get(ctx, "/ping")
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestClientObserveDeliversNotifications(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.close()

	go peer.sock.Serve(func(remote string, msg *Message) {
		obs, _ := msg.Option(Observe).(uint32)
		if obs != 0 {
			return // deregistration: no response expected by this test
		}
		resp := &Message{Type: Acknowledgement, Code: Content, MessageID: msg.MessageID, Token: msg.Token}
		resp.SetOption(Observe, uint32(1))
		data, _ := resp.MarshalBinary()
		peer.sock.SendTo(remote, data)

		// push one async notification shortly after registration
		go func() {
			time.Sleep(20 * time.Millisecond)
			note := &Message{Type: NonConfirmable, Code: Content, Token: msg.Token, Payload: []byte("23.0")}
			note.SetOption(Observe, uint32(2))
			ndata, _ := note.MarshalBinary()
			peer.sock.SendTo(remote, ndata)
		}()
	})

	c, err := NewClient(peer.addr())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	notified := make(chan *Message, 1)
	ctx, cancel := WithTimeout(2 * time.Second)
	defer cancel()
	_, err = c.Observe(ctx, "/sensors/temp", func(m *Message) { notified <- m })
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	select {
	case m := <-notified:
		if string(m.Payload) != "23.0" {
			t.Fatalf("notification payload = %s, want 23.0", m.Payload)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for observe notification")
	}
}
