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

package main

import (
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/coapworks/coap"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var (
	flagUDP = flag.String("udp", ":5683", "UDP listen address")
	flagTCP = flag.String("tcp", "", "TCP listen address (RFC 8323), empty disables it")
)

func main() {
	flag.Parse()
	log := logrus.NewEntry(coap.NewDefaultLogger())

	srv := coap.NewServer(coap.WithLogger(log))

	srv.Handle(coap.GET, "/ping", handlePing, coap.Attributes{Title: "liveness probe", RT: []string{"ping"}})
	srv.Handle(coap.POST, "/echo", echoHandler(log), coap.Attributes{Title: "echo", RT: []string{"echo"}})
	srv.Handle(coap.GET, "/users/:id", handleGetUser, coap.Attributes{Title: "user lookup", RT: []string{"user"}})
	srv.Handle(coap.GET, "/sensors/temp", handleTemp, coap.Attributes{Title: "temperature sensor", RT: []string{"temperature"}, Obs: true})
	srv.Handle(coap.GET, "/alerts", handleAlertsSnapshot, coap.Attributes{Title: "alert feed", RT: []string{"alerts"}, Obs: true})
	srv.Handle(coap.GET, coap.WellKnownCorePath, discoveryHandler(srv), coap.Attributes{})

	// bridge the in-process "alerts.raw" event bus address onto the
	// observable /alerts resource: anything that calls
	// srv.Publish(coap.ScopeLocal, "alerts.raw", ...) fans out to every
	// current /alerts subscriber without a request/response round trip.
	srv.OnEvent("alerts.raw", "/alerts", func(v interface{}) interface{} {
		return map[string]interface{}{"alert": v}
	})

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", *flagUDP).Info("listening (udp)")
		errCh <- srv.ListenAndServeUDP(*flagUDP)
	}()
	if *flagTCP != "" {
		go func() {
			log.WithField("addr", *flagTCP).Info("listening (tcp)")
			errCh <- srv.ListenAndServeTCP(*flagTCP)
		}()
	}
	log.WithError(<-errCh).Error("server stopped")
}

func handlePing(req *coap.Request) (interface{}, error) {
	return map[string]string{"message": "Pong!"}, nil
}

// echoHandler returns a POST /echo handler that logs a top-level "x" field
// when the request body carries one, useful for tracing load-test traffic
// without decoding the whole body into a Go value.
func echoHandler(log *logrus.Entry) coap.Handler {
	return func(req *coap.Request) (interface{}, error) {
		if field := gjson.GetBytes(req.RawPayload, "x"); field.Exists() {
			log.WithField("x", field.Value()).Debug("echo: request carried field x")
		}
		var received interface{}
		if err := req.Decode(&received); err != nil {
			return nil, coap.Halt(coap.BadRequest, map[string]string{"error": "malformed body: " + err.Error()})
		}
		return coap.ResultCreated(map[string]interface{}{"received": received}), nil
	}
}

var users = map[string]map[string]string{
	"1": {"id": "1", "name": "Alice"},
	"2": {"id": "2", "name": "Bob"},
}

func handleGetUser(req *coap.Request) (interface{}, error) {
	id := req.Params["id"]
	if _, ok := users[id]; !ok {
		return nil, coap.ErrNotFound
	}
	return map[string]interface{}{"received": map[string]string{"id": id}}, nil
}

var tempStart = time.Now()

func handleTemp(req *coap.Request) (interface{}, error) {
	elapsed := time.Since(tempStart).Seconds()
	value := 20.0 + 2*rand.Float64() + 0.01*elapsed
	return map[string]interface{}{"celsius": fmt.Sprintf("%.2f", value)}, nil
}

var lastAlert = map[string]interface{}{"alert": "none yet"}

// handleAlertsSnapshot answers a plain GET with the fixed lastAlert
// placeholder; alerts arriving over the event bus are pushed to current
// subscribers by the OnEvent bridge registered in main and are not stored
// for later GETs.
func handleAlertsSnapshot(req *coap.Request) (interface{}, error) {
	return lastAlert, nil
}

func discoveryHandler(srv *coap.Server) coap.Handler {
	return func(req *coap.Request) (interface{}, error) {
		body := coap.RenderLinkFormat(srv.Router().Routes())
		resp := &coap.Message{Code: coap.Content, Payload: body}
		resp.SetOption(coap.ContentFormat, coap.AppLinkFormat)
		return resp, nil
	}
}
