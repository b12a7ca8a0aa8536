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
	"hash/fnv"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Server wires a route table to the UDP and TCP transports, running
// confirmable delivery through a ReliabilityEngine and resource observation
// through an ObservationRegistry.
type Server struct {
	cfg *Config
	log *logrus.Entry

	router       *Router
	pool         *WorkerPool
	dispatcher   *Dispatcher
	reliability  *ReliabilityEngine
	observations *ObservationRegistry
	events       *EventBus

	mid *atomic.Uint32

	udp         *udpSocket
	tcpListener net.Listener

	watcherDone chan struct{}
	wg          sync.WaitGroup
}

// NewServer builds an unstarted server. Register routes with Handle, then
// call ListenAndServeUDP and/or ListenAndServeTCP.
func NewServer(opts ...Option) *Server {
	cfg := NewConfig(opts...)
	router := NewRouter()
	pool := NewWorkerPool(cfg.Log, cfg.WorkerCount, cfg.QueueDepth)
	dispatcher := NewDispatcher(router, pool, cfg)
	reliability := NewReliabilityEngine(cfg.Log)

	s := &Server{
		cfg:         cfg,
		log:         cfg.Log,
		router:      router,
		pool:        pool,
		dispatcher:  dispatcher,
		reliability: reliability,
		mid:         atomic.NewUint32(0),
		watcherDone: make(chan struct{}),
		events:      NewEventBus(cfg.Log),
	}
	s.observations = NewObservationRegistry(cfg.Log, s.nextMessageID)
	return s
}

// Handle registers a route, per-method, with its RFC 6690 discovery
// metadata.
func (s *Server) Handle(method Code, pattern string, h Handler, attrs Attributes) *Route {
	return s.router.Handle(method, pattern, h, attrs)
}

// Router exposes the route table for callers that want to inspect it (for
// example to render /.well-known/core manually).
func (s *Server) Router() *Router { return s.router }

func (s *Server) nextMessageID() uint16 {
	return uint16(s.mid.Add(1))
}

// ListenAndServeUDP binds addr and serves the datagram transport until
// Shutdown is called or the socket errors.
func (s *Server) ListenAndServeUDP(addr string) error {
	sock, err := ListenUDP(s.log, addr)
	if err != nil {
		return err
	}
	s.udp = sock
	s.reliability.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runWatcher()
	}()

	return sock.Serve(s.handleUDPMessage)
}

// ListenAndServeTCP binds addr and accepts stream connections until
// Shutdown is called or the listener errors.
func (s *Server) ListenAndServeTCP(addr string) error {
	ln, err := ListenTCP(addr)
	if err != nil {
		return err
	}
	s.tcpListener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		c := newTCPConn(s.log, conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			if err := c.Serve(func(msg *Message) { s.handleTCPMessage(c, msg) }); err != nil {
				s.log.WithError(err).WithField("remote", c.RemoteAddr()).Debug("tcp: connection closed")
			}
		}()
	}
}

// Shutdown stops accepting new work, closes the transports and drains the
// worker pool. It does not wait for in-flight TCP connections to finish
// their current read, only for already-scheduled jobs.
func (s *Server) Shutdown() {
	close(s.watcherDone)
	s.reliability.Stop()
	if s.udp != nil {
		s.udp.Close()
	}
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	s.pool.Shutdown()
	s.wg.Wait()
}

func (s *Server) handleUDPMessage(remote string, msg *Message) {
	switch msg.Type {
	case Acknowledgement, Reset:
		s.reliability.Ack(remote, msg.MessageID, msg.Payload, msg.Type == Reset)
		if msg.Type == Reset {
			s.observations.HandleReset(remote, msg.MessageID)
		}
		return
	}

	if msg.Code == Empty {
		if msg.IsConfirmable() {
			s.sendUDPRaw(remote, &Message{Type: Reset, MessageID: msg.MessageID})
		}
		return
	}

	if msg.IsConfirmable() {
		if cached, ok := s.reliability.LookupExchange(remote, msg.MessageID); ok {
			s.udp.SendTo(remote, cached)
			return
		}
	}

	route, req, err := s.dispatcher.Resolve(msg, remote)
	if err != nil {
		resp := s.dispatcher.Coerce(req, err, nil, msg)
		s.sendUDPRaw(remote, resp)
		return
	}
	s.dispatcher.Schedule(func() {
		result, herr := s.dispatcher.Invoke(route, req)
		resp := s.dispatcher.Coerce(req, herr, result, msg)
		s.applyObserve(route, req, msg, resp, remote)
		s.sendUDPRaw(remote, resp)
	})
}

func (s *Server) sendUDPRaw(remote string, resp *Message) {
	data, err := resp.MarshalBinary()
	if err != nil {
		s.log.WithError(err).Error("udp: failed to encode response")
		return
	}
	if resp.Type == Acknowledgement {
		s.reliability.RememberExchange(remote, resp.MessageID, data)
	}
	if err := s.udp.SendTo(remote, data); err != nil {
		s.log.WithError(err).WithField("remote", remote).Warn("udp: send failed")
	}
}

// applyObserve registers or deregisters a subscriber when the request
// carried the Observe option, and stamps the initial notification sequence
// onto the registration response itself (RFC 7641 section 3.1).
func (s *Server) applyObserve(route *Route, req *Request, reqMsg *Message, resp *Message, remote string) {
	if route == nil || !route.Observable {
		return
	}
	obsVal, ok := reqMsg.Option(Observe).(uint32)
	if !ok {
		return
	}
	switch obsVal {
	case 0:
		if resp.Code.Class() != 2 {
			return
		}
		accept, hasAccept := reqMsg.Option(Accept).(MediaType)
		sub := s.observations.Register(req.Path, remote, reqMsg.Token, accept, hasAccept, s.notifySend(remote, req.Path))
		resp.SetOption(Observe, sub.nextSeq())
	case 1:
		s.observations.Deregister(req.Path, remote, reqMsg.Token)
	}
}

// Notify encodes value with the server's default content codec and pushes
// it to every current subscriber of path, assigning each its own Observe
// sequence number. It is the server-driven half of the observable emitter
// API: call it whenever a resource's value changes outside the request/
// response cycle (a sensor tick, an OnEvent bridge, a background job).
func (s *Server) Notify(path string, value interface{}) error {
	codec, ok := CodecFor(s.cfg.DefaultContentFormat)
	if !ok {
		return errBadOption("no codec for default content-format")
	}
	payload, err := codec.Encode(value)
	if err != nil {
		return err
	}
	s.observations.Notify(path, payload, s.cfg.DefaultContentFormat)
	return nil
}

// OnEvent bridges an in-process event bus address to an observable path:
// every value published to address is optionally run through transform and
// then delivered via Notify. transform may be nil to forward values as-is.
func (s *Server) OnEvent(address, path string, transform func(interface{}) interface{}) {
	s.events.Subscribe(address, func(v interface{}) {
		if transform != nil {
			v = transform(v)
		}
		if err := s.Notify(path, v); err != nil {
			s.log.WithError(err).WithField("address", address).WithField("path", path).
				Warn("on_event: failed to notify from bridged event")
		}
	})
}

// Publish sends value to every OnEvent bridge (and any other direct
// EventBus.Subscribe caller) registered against address.
func (s *Server) Publish(scope Scope, address string, value interface{}) {
	s.events.Publish(scope, address, value)
}

// notifySend builds the callback an ObservationRegistry Subscriber uses to
// push a later notification: confirmable notifications go through the
// reliability engine like any other CON, non-confirmable ones go straight
// out.
func (s *Server) notifySend(remote, path string) func(*Message) error {
	return func(m *Message) error {
		data, err := m.MarshalBinary()
		if err != nil {
			return err
		}
		if err := s.udp.SendTo(remote, data); err != nil {
			return err
		}
		if m.IsConfirmable() {
			s.reliability.Track(&PendingTransmission{
				Remote:    remote,
				MessageID: m.MessageID,
				Data:      data,
				Send:      func(d []byte) error { return s.udp.SendTo(remote, d) },
				OnFail: func(err error) {
					s.observations.Deregister(path, remote, m.Token)
				},
			})
		}
		return nil
	}
}

func (s *Server) handleTCPMessage(conn *tcpConn, msg *Message) {
	route, req, err := s.dispatcher.Resolve(msg, conn.RemoteAddr())
	if err != nil {
		resp := s.dispatcher.Coerce(req, err, nil, msg)
		conn.Send(resp)
		return
	}
	s.dispatcher.Schedule(func() {
		result, herr := s.dispatcher.Invoke(route, req)
		resp := s.dispatcher.Coerce(req, herr, result, msg)
		conn.Send(resp)
	})
}

// runWatcher polls every parameter-free observable GET route at
// cfg.WatchInterval, hashing its returned payload and notifying subscribers
// only when that hash changes.
func (s *Server) runWatcher() {
	ticker := time.NewTicker(s.cfg.WatchInterval)
	defer ticker.Stop()
	lastHash := map[string]uint64{}
	for {
		select {
		case <-s.watcherDone:
			return
		case <-ticker.C:
			s.pollObservables(lastHash)
		}
	}
}

func (s *Server) pollObservables(lastHash map[string]uint64) {
	for _, route := range s.router.Routes() {
		if !route.Observable || route.Method != GET || hasParamSegment(route) {
			continue
		}
		path := "/" + strings.Trim(route.Pattern, "/")
		req := &Request{Method: GET, Path: path, Params: map[string]string{}}
		result, err := s.dispatcher.Invoke(route, req)
		if err != nil {
			continue
		}
		resp := s.dispatcher.Coerce(req, nil, result, &Message{})
		h := hashBytes(resp.Payload)
		if lastHash[path] == h {
			continue
		}
		lastHash[path] = h
		format, _ := resp.Option(ContentFormat).(MediaType)
		s.observations.Notify(path, resp.Payload, format)
	}
}

func hasParamSegment(r *Route) bool {
	for _, seg := range r.segments {
		if seg.param != "" {
			return true
		}
	}
	return false
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
