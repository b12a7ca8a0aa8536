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
	"sync"

	"github.com/sirupsen/logrus"
)

// WorkerPool runs submitted jobs on a fixed number of goroutines, so that a
// burst of requests cannot spawn unbounded concurrency against handlers.
type WorkerPool struct {
	log   *logrus.Entry
	jobs  chan func()
	wg    sync.WaitGroup
	close sync.Once
}

// NewWorkerPool starts workers goroutines draining a queue of the given
// depth. A queue depth of 0 makes Schedule block until a worker is free.
func NewWorkerPool(log *logrus.Entry, workers, queueDepth int) *WorkerPool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if workers < 1 {
		workers = 1
	}
	p := &WorkerPool{
		log:  log,
		jobs: make(chan func(), queueDepth),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.runJob(job)
	}
}

func (p *WorkerPool) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("worker pool: job panicked")
		}
	}()
	job()
}

// Schedule enqueues job for execution. It blocks if the queue is full.
func (p *WorkerPool) Schedule(job func()) {
	p.jobs <- job
}

// Shutdown closes the job queue and waits for in-flight and queued jobs to
// finish draining.
func (p *WorkerPool) Shutdown() {
	p.close.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}
