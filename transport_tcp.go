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
	"io"
	"net"

	"github.com/sirupsen/logrus"
)

// tcpConn is one RFC 8323 stream connection. Unlike the datagram transport,
// a stream connection is reliable and ordered by the OS, so it bypasses the
// ReliabilityEngine entirely: there is no message ID, no retransmission and
// no deduplication ledger - a message either arrives once or the connection
// is dead.
type tcpConn struct {
	log  *logrus.Entry
	conn net.Conn
}

// ListenTCP starts a stream listener. Call Accept in a loop to hand off
// each incoming connection.
func ListenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// DialTCP connects a client-side stream socket.
func DialTCP(log *logrus.Entry, addr string) (*tcpConn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpConn{log: log, conn: conn}, nil
}

func newTCPConn(log *logrus.Entry, conn net.Conn) *tcpConn {
	return &tcpConn{log: log, conn: conn}
}

func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *tcpConn) Close() error { return c.conn.Close() }

// Serve reads stream-framed messages until the connection closes or a
// malformed frame makes the stream unrecoverable (RFC 8323 gives no framing
// resync mechanism, so any decode error ends the connection).
func (c *tcpConn) Serve(handle func(msg *Message)) error {
	for {
		msg, err := ReadStreamMessage(c.conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		handle(&msg)
	}
}

// Send writes one message to this connection using stream framing.
func (c *tcpConn) Send(msg *Message) error {
	data, err := msg.MarshalStream()
	if err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}
