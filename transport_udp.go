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
	"net"

	"github.com/sirupsen/logrus"
)

// udpSocket is the thin net.UDPConn wrapper shared by the server and client
// datagram adapters: read datagrams into Messages, write Messages as
// datagrams, nothing more. Reliability, deduplication and dispatch live one
// layer up, in Server and Client.
type udpSocket struct {
	log  *logrus.Entry
	conn *net.UDPConn
}

// ListenUDP binds a server-side datagram socket.
func ListenUDP(log *logrus.Entry, addr string) (*udpSocket, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", a)
	if err != nil {
		return nil, err
	}
	return &udpSocket{log: log, conn: conn}, nil
}

// DialUDP connects a client-side datagram socket to a single remote.
func DialUDP(log *logrus.Entry, addr string) (*udpSocket, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, a)
	if err != nil {
		return nil, err
	}
	return &udpSocket{log: log, conn: conn}, nil
}

func (s *udpSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *udpSocket) Close() error { return s.conn.Close() }

// Serve reads datagrams until the socket is closed, handing each decoded
// Message to handle; a datagram that fails to decode is logged and dropped.
// It returns once ReadFromUDP fails, which happens on Close.
func (s *udpSocket) Serve(handle func(remote string, msg *Message)) error {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		msg, perr := ParseMessage(data)
		if perr != nil {
			s.log.WithError(perr).WithField("remote", addr.String()).Warn("udp: dropping malformed datagram")
			continue
		}
		handle(addr.String(), &msg)
	}
}

// SendTo writes data to remote, resolving it as a host:port pair.
func (s *udpSocket) SendTo(remote string, data []byte) error {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(data, addr)
	return err
}

// Send writes data to the socket's connected peer (client sockets only).
func (s *udpSocket) Send(data []byte) error {
	_, err := s.conn.Write(data)
	return err
}
