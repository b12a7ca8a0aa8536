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
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const observeSeqMask = 1<<24 - 1

// observeNewer implements the RFC 7641 section 3.4 wrap-around comparator:
// v2 is considered newer than v1 iff v2 is ahead of v1 by less than 2^23,
// or v1 is ahead of v2 by more than 2^23 (the counter has wrapped), or more
// than 128 seconds have elapsed between t1 and t2.
func observeNewer(v1, v2 uint32, t1, t2 time.Time) bool {
	switch {
	case v1 < v2 && v2-v1 < 1<<23:
		return true
	case v1 > v2 && v1-v2 > 1<<23:
		return true
	case t2.After(t1.Add(128 * time.Second)):
		return true
	default:
		return false
	}
}

// Subscriber is a server-side observer of a resource, RFC 7641.
type Subscriber struct {
	Path   string
	Remote string
	Token  []byte

	// Accept is the Content-Format this subscriber asked for via the
	// registration GET's Accept option, if any. Notify re-encodes into it
	// when it differs from the format a notification was produced in.
	Accept    MediaType
	HasAccept bool

	// Send transmits a fully-built notification message to this subscriber.
	Send func(msg *Message) error

	seq           *atomic.Uint32
	mu            sync.Mutex
	lastMessageID uint16
	lastNotified  time.Time
}

func (s *Subscriber) nextSeq() uint32 {
	return s.seq.Add(1) & observeSeqMask
}

func registrationID(remote, path string, token []byte) string {
	return remote + "|" + path + "|" + string(token)
}

// ObservationRegistry tracks server-side subscribers per resource path and
// emits ordered notifications, pushing directly over this module's own
// Message/transport types.
type ObservationRegistry struct {
	log *logrus.Entry

	mu        sync.RWMutex
	byPath    map[string]map[string]*Subscriber // path -> registrationID -> Subscriber
	byMsgID   map[string]*Subscriber            // "remote#mid" -> Subscriber, for RST correlation
	nextMsgID func() uint16
}

// NewObservationRegistry creates an empty registry. nextMsgID allocates
// datagram message IDs for outgoing notifications (unused over the stream
// transport, where notifications carry no message ID).
func NewObservationRegistry(log *logrus.Entry, nextMsgID func() uint16) *ObservationRegistry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ObservationRegistry{
		log:       log,
		byPath:    make(map[string]map[string]*Subscriber),
		byMsgID:   make(map[string]*Subscriber),
		nextMsgID: nextMsgID,
	}
}

// Register adds (or reinforces, per RFC 7641 section 4.1) an observer for
// path. Reinforcing an existing (remote, token) pair returns the existing
// Subscriber rather than creating a second entry. accept/hasAccept carry the
// registration request's Accept option, if any, so later notifications can
// be re-encoded into the format this subscriber asked for.
func (o *ObservationRegistry) Register(path, remote string, token []byte, accept MediaType, hasAccept bool, send func(msg *Message) error) *Subscriber {
	regID := registrationID(remote, path, token)
	o.mu.Lock()
	defer o.mu.Unlock()
	if subs, ok := o.byPath[path]; ok {
		if existing, ok := subs[regID]; ok {
			existing.Send = send
			existing.Accept = accept
			existing.HasAccept = hasAccept
			return existing
		}
	}
	sub := &Subscriber{
		Path:      path,
		Remote:    remote,
		Token:     token,
		Accept:    accept,
		HasAccept: hasAccept,
		Send:      send,
		seq:       atomic.NewUint32(uint32(rand.Intn(1 << 24))),
	}
	if o.byPath[path] == nil {
		o.byPath[path] = make(map[string]*Subscriber)
	}
	o.byPath[path][regID] = sub
	o.log.WithField("path", path).WithField("remote", remote).Info("observe: registered subscriber")
	return sub
}

// Deregister removes the (remote, token) observer of path explicitly
// (Observe=1 on a GET) or on notification send failure.
func (o *ObservationRegistry) Deregister(path, remote string, token []byte) {
	regID := registrationID(remote, path, token)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removeLocked(path, regID)
}

func (o *ObservationRegistry) removeLocked(path, regID string) {
	subs, ok := o.byPath[path]
	if !ok {
		return
	}
	sub, ok := subs[regID]
	if !ok {
		return
	}
	delete(subs, regID)
	if len(subs) == 0 {
		delete(o.byPath, path)
	}
	sub.mu.Lock()
	key := msgIDKey(sub.Remote, sub.lastMessageID)
	sub.mu.Unlock()
	delete(o.byMsgID, key)
	o.log.WithField("path", path).WithField("remote", sub.Remote).Info("observe: removed subscriber")
}

func msgIDKey(remote string, messageID uint16) string {
	return pendingKey(remote, messageID)
}

// HandleReset removes whichever subscriber most recently received the
// notification identified by (remote, messageID): "the server MUST remove
// the associated entry" on RST, RFC 7641 section 3.6.
func (o *ObservationRegistry) HandleReset(remote string, messageID uint16) bool {
	key := msgIDKey(remote, messageID)
	o.mu.Lock()
	defer o.mu.Unlock()
	sub, ok := o.byMsgID[key]
	if !ok {
		return false
	}
	o.removeLocked(sub.Path, registrationID(sub.Remote, sub.Path, sub.Token))
	return true
}

// Notify sends payload (with the given content format) to every subscriber
// of path, assigning each its own monotonically increasing Observe sequence
// number. Send failures deregister the offending subscriber. Returns the
// number of subscribers successfully notified.
func (o *ObservationRegistry) Notify(path string, payload []byte, format MediaType) int {
	o.mu.RLock()
	subs := make([]*Subscriber, 0, len(o.byPath[path]))
	for _, s := range o.byPath[path] {
		subs = append(subs, s)
	}
	o.mu.RUnlock()

	sent := 0
	for _, sub := range subs {
		subPayload, subFormat := payload, format
		if sub.HasAccept && sub.Accept != format {
			converted, err := ConvertContentFormat(payload, format, sub.Accept)
			if err != nil {
				o.log.WithError(err).WithField("path", path).WithField("remote", sub.Remote).
					Debug("observe: cannot satisfy subscriber accept format, sending original")
			} else {
				subPayload, subFormat = converted, sub.Accept
			}
		}
		msg := &Message{
			Type:    NonConfirmable,
			Code:    Content,
			Token:   sub.Token,
			Payload: subPayload,
		}
		if o.nextMsgID != nil {
			msg.MessageID = o.nextMsgID()
		}
		msg.SetOption(ContentFormat, subFormat)
		msg.SetOption(Observe, sub.nextSeq())

		sub.mu.Lock()
		sub.lastNotified = time.Now()
		sub.lastMessageID = msg.MessageID
		sub.mu.Unlock()

		o.mu.Lock()
		o.byMsgID[msgIDKey(sub.Remote, msg.MessageID)] = sub
		o.mu.Unlock()

		if err := sub.Send(msg); err != nil {
			o.log.WithError(err).WithField("path", path).WithField("remote", sub.Remote).
				Warn("observe: notification send failed, removing subscriber")
			o.Deregister(path, sub.Remote, sub.Token)
			continue
		}
		sent++
	}
	return sent
}

// Subscribers returns a snapshot of every subscriber of path.
func (o *ObservationRegistry) Subscribers(path string) []*Subscriber {
	o.mu.RLock()
	defer o.mu.RUnlock()
	subs := o.byPath[path]
	out := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}
