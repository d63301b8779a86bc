// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"

	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/storage"
)

// Forwarder moves jobs from a queue into a log, keeping each job's options.
type Forwarder struct {
	source   *queue.Queue
	producer *Producer
	worker   *queue.Worker
}

// NewForwarder returns a forwarder from source into the producer's log.
func NewForwarder(source *queue.Queue, producer *Producer, opts queue.WorkerOptions) *Forwarder {
	f := &Forwarder{source: source, producer: producer}
	f.worker = queue.NewWorker(source, f.forward, opts)
	return f
}

func (f *Forwarder) forward(ctx context.Context, job *storage.Job) error {
	_, err := f.producer.ProduceRaw(ctx, job.Data, job.Opts)
	return err
}

// Run starts forwarding. It is idempotent.
func (f *Forwarder) Run(ctx context.Context) {
	f.worker.Run(ctx)
}

// Close stops forwarding once the job in progress is produced.
func (f *Forwarder) Close() {
	f.worker.Close()
}
