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
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coapworks/coap"
	"github.com/tidwall/pretty"
)

var (
	flagServer  string
	flagMethod  string
	flagPath    string
	flagData    string
	flagTimeout time.Duration
)

func init() {
	flag.StringVar(&flagServer, "server", "", "CoAP server URI, e.g. coap://localhost:5683")
	flag.StringVar(&flagMethod, "method", "get", "Request method: get, post, put or delete")
	flag.StringVar(&flagPath, "path", "/", "Request path")
	flag.StringVar(&flagData, "data", "", "Request body. Prefix with @ to read from a file, or use - to read stdin.")
	flag.DurationVar(&flagTimeout, "timeout", 5*time.Second, "Total request timeout")
}

func readBody() ([]byte, error) {
	switch {
	case flagData == "":
		return nil, nil
	case flagData == "-":
		return io.ReadAll(os.Stdin)
	case strings.HasPrefix(flagData, "@"):
		return os.ReadFile(flagData[1:])
	default:
		return []byte(flagData), nil
	}
}

func methodCode(name string) (coap.Code, error) {
	switch strings.ToLower(name) {
	case "get":
		return coap.GET, nil
	case "post":
		return coap.POST, nil
	case "put":
		return coap.PUT, nil
	case "delete":
		return coap.DELETE, nil
	default:
		return 0, fmt.Errorf("unknown method %q", name)
	}
}

func printBody(resp *coap.Message) {
	if len(resp.Payload) == 0 {
		return
	}
	cf, isJSON := resp.Option(coap.ContentFormat).(coap.MediaType)
	trimmed := bytes.TrimSpace(resp.Payload)
	looksLikeJSON := bytes.HasPrefix(trimmed, []byte("{")) || bytes.HasPrefix(trimmed, []byte("["))
	if isJSON && cf == coap.AppJSON && looksLikeJSON {
		fmt.Println(string(pretty.Pretty(resp.Payload)))
		return
	}
	fmt.Println(string(resp.Payload))
}

func exitCode(code coap.Code) int {
	switch code.Class() {
	case 2:
		return 0
	case 4:
		return 1
	case 5:
		return 2
	default:
		return 2
	}
}

func fatalTransport(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(3)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of coap:\n")
		flag.PrintDefaults()
		fmt.Println("Example: coap --server coap://localhost:5683 --method post --path /echo --data '{\"x\":1}'")
	}
	flag.Parse()

	if flagServer == "" {
		flag.Usage()
		os.Exit(3)
	}
	u, err := url.Parse(flagServer)
	if err != nil {
		fatalTransport("FATAL: invalid --server URI: %s", err)
	}
	method, err := methodCode(flagMethod)
	if err != nil {
		fatalTransport("FATAL: %s", err)
	}
	body, err := readBody()
	if err != nil {
		fatalTransport("FATAL: reading request body: %s", err)
	}

	host := u.Host
	if u.Port() == "" {
		host = host + ":5683"
	}
	client, err := coap.NewClient(host)
	if err != nil {
		fatalTransport("FATAL: dialing %s: %s", host, err)
	}
	defer client.Close()

	ctx, cancel := coap.WithTimeout(flagTimeout)
	defer cancel()

	req := &coap.Message{Type: coap.Confirmable, Code: method, Payload: body}
	req.SetPathString(flagPath)
	if len(body) > 0 {
		req.SetOption(coap.ContentFormat, coap.AppJSON)
	}

	resp, err := client.Do(ctx, req)
	if err != nil {
		fatalTransport("FATAL: request failed: %s", err)
	}

	fmt.Fprintf(os.Stderr, "%s\n", resp.Code)
	printBody(resp)
	os.Exit(exitCode(resp.Code))
}
