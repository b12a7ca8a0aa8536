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
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// Request is the context a Handler sees for one incoming message: the
// resolved path parameters, the negotiated content formats, and the raw
// body for handlers that want to decode it themselves.
type Request struct {
	Method  Code
	Path    string
	Params  map[string]string
	Query   []string
	Remote  string
	Token   []byte
	Message *Message

	ContentFormat MediaType
	HasContentFormat bool
	Accept        MediaType
	HasAccept     bool

	RawPayload []byte
}

// Decode unmarshals the request payload into out, using the codec named by
// the request's Content-Format option, or application/json if it carried
// none.
func (r *Request) Decode(out interface{}) error {
	format := AppJSON
	if r.HasContentFormat {
		format = r.ContentFormat
	}
	codec, ok := CodecFor(format)
	if !ok {
		return errBadOption(fmt.Sprintf("no codec for content-format %d", format))
	}
	return codec.Decode(r.RawPayload, out)
}

// StatusResult lets a Handler choose a non-default success response code,
// e.g. 2.01 Created for a POST that made a new resource.
type StatusResult struct {
	Code Code
	Body interface{}
}

// ResultCreated wraps body in a 2.01 Created response.
func ResultCreated(body interface{}) StatusResult { return StatusResult{Created, body} }

// ResultChanged wraps body in a 2.04 Changed response.
func ResultChanged(body interface{}) StatusResult { return StatusResult{Changed, body} }

// ResultDeleted wraps body in a 2.02 Deleted response.
func ResultDeleted(body interface{}) StatusResult { return StatusResult{Deleted, body} }

// ResultValid wraps body in a 2.03 Valid response.
func ResultValid(body interface{}) StatusResult { return StatusResult{Valid, body} }

// Dispatcher resolves a decoded request against a Router, runs the matching
// Handler on a WorkerPool, and coerces whatever the Handler returns into an
// outbound Message.
type Dispatcher struct {
	log           *logrus.Entry
	router        *Router
	pool          *WorkerPool
	defaultFormat MediaType
}

// NewDispatcher wires a Router and WorkerPool together under cfg.
func NewDispatcher(router *Router, pool *WorkerPool, cfg *Config) *Dispatcher {
	return &Dispatcher{
		log:           cfg.Log,
		router:        router,
		pool:          pool,
		defaultFormat: cfg.DefaultContentFormat,
	}
}

// Resolve matches msg against the route table and, on success, builds the
// Request context a Handler will see.
func (d *Dispatcher) Resolve(msg *Message, remote string) (*Route, *Request, error) {
	if msg.HasUnrecognizedCriticalOption() {
		return nil, nil, errBadOption("unrecognized critical option")
	}
	path := msg.PathString()
	route, params, err := d.router.Match(msg.Code, path)
	if err != nil {
		return nil, nil, err
	}
	req := &Request{
		Method:     msg.Code,
		Path:       path,
		Params:     params,
		Query:      msg.Query(),
		Remote:     remote,
		Token:      msg.Token,
		Message:    msg,
		RawPayload: msg.Payload,
	}
	if cf, ok := msg.Option(ContentFormat).(MediaType); ok {
		req.ContentFormat = cf
		req.HasContentFormat = true
	}
	if ac, ok := msg.Option(Accept).(MediaType); ok {
		req.Accept = ac
		req.HasAccept = true
	}
	return route, req, nil
}

// Dispatch resolves msg, runs its handler on the worker pool, and invokes
// respond with the outbound Message once the handler completes. respond may
// be called synchronously from the calling goroutine when no route matched,
// since that path never touches the pool.
func (d *Dispatcher) Dispatch(msg *Message, remote string, respond func(*Message)) {
	route, req, err := d.Resolve(msg, remote)
	if err != nil {
		respond(d.Coerce(req, err, nil, msg))
		return
	}
	d.pool.Schedule(func() {
		result, herr := d.Invoke(route, req)
		respond(d.Coerce(req, herr, result, msg))
	})
}

// Schedule runs job on the dispatcher's worker pool.
func (d *Dispatcher) Schedule(job func()) {
	d.pool.Schedule(job)
}

// Invoke runs route's Handler, recovering a panic into a KindHandlerError.
func (d *Dispatcher) Invoke(route *Route, req *Request) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).WithField("path", req.Path).Error("dispatcher: handler panicked")
			err = errHandler(fmt.Errorf("%v", r))
		}
	}()
	return route.Handler(req)
}

// Coerce turns a Handler's (result, err) pair into a response Message,
// negotiating Content-Format against the Accept option the client sent.
func (d *Dispatcher) Coerce(req *Request, err error, result interface{}, reqMsg *Message) *Message {
	resp := &Message{
		Type:      ackType(reqMsg),
		MessageID: reqMsg.MessageID,
		Token:     reqMsg.Token,
	}

	var code Code
	var body interface{}

	switch {
	case err != nil:
		code, body = errorToResponse(err)
	default:
		switch v := result.(type) {
		case StatusResult:
			code, body = v.Code, v.Body
		case *Message:
			// A handler that built its own full response message bypasses
			// coercion entirely.
			v.Type = resp.Type
			v.MessageID = resp.MessageID
			v.Token = resp.Token
			return v
		default:
			code, body = Content, result
		}
	}
	resp.Code = code

	format := d.defaultFormat
	if req != nil && req.HasAccept {
		format = req.Accept
	}
	codec, ok := CodecFor(format)
	if !ok {
		format = AppJSON
		codec, _ = CodecFor(format)
	}
	if body != nil {
		payload, encErr := codec.Encode(body)
		if encErr != nil {
			resp.Code = InternalServerError
			payload, _ = sjson.SetBytes(nil, "error", "failed to encode response: "+encErr.Error())
			format = AppJSON
		}
		resp.Payload = payload
		resp.SetOption(ContentFormat, format)
	}
	return resp
}

func errorToResponse(err error) (Code, interface{}) {
	if h, ok := err.(*HaltError); ok {
		return h.Code, h.Body
	}
	if ce, ok := err.(*CoapError); ok {
		code := ce.Code
		if code == 0 {
			code = InternalServerError
		}
		return code, map[string]string{"error": ce.Message}
	}
	return InternalServerError, map[string]string{"error": err.Error()}
}

// ackType picks the response message's type: a piggybacked ACK for a
// confirmable request, otherwise a non-confirmable response.
func ackType(req *Message) Type {
	if req.IsConfirmable() {
		return Acknowledgement
	}
	return NonConfirmable
}
