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
	"time"

	"github.com/sirupsen/logrus"
)

// Config collects the tunables of a Server or Client. It is built with
// functional options rather than exported fields so new settings can be
// added without breaking callers.
type Config struct {
	Log *logrus.Entry

	// WorkerCount sizes the dispatcher's worker pool.
	WorkerCount int
	// QueueDepth bounds the number of jobs buffered ahead of the workers.
	QueueDepth int

	// WatchInterval is how often the observation watcher polls observable
	// routes for a changed value.
	WatchInterval time.Duration

	// DefaultContentFormat is used to encode a handler result when a
	// request carried no Accept option.
	DefaultContentFormat MediaType
}

// Option configures a Config. See the With* functions.
type Option func(*Config)

// WithLogger sets the logger used for every log line this module emits.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Config) { c.Log = log }
}

// WithWorkerCount sets the number of dispatcher worker goroutines.
func WithWorkerCount(n int) Option {
	return func(c *Config) { c.WorkerCount = n }
}

// WithQueueDepth sets the dispatcher's job queue capacity.
func WithQueueDepth(n int) Option {
	return func(c *Config) { c.QueueDepth = n }
}

// WithWatchInterval sets the observable-route polling interval.
func WithWatchInterval(d time.Duration) Option {
	return func(c *Config) { c.WatchInterval = d }
}

// WithDefaultContentFormat sets the fallback response Content-Format.
func WithDefaultContentFormat(mt MediaType) Option {
	return func(c *Config) { c.DefaultContentFormat = mt }
}

// NewConfig applies opts over a set of defaults: 4 workers, a queue of 64
// jobs, a 1 second watch interval, and application/json as the default
// response encoding.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		Log:                  logrus.NewEntry(NewDefaultLogger()),
		WorkerCount:          4,
		QueueDepth:           64,
		WatchInterval:        time.Second,
		DefaultContentFormat: AppJSON,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
