package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reverie/internal/crypto"
	"github.com/fyrsmithlabs/reverie/internal/generate"
	"github.com/fyrsmithlabs/reverie/internal/monitor"
	"github.com/fyrsmithlabs/reverie/internal/queue"
)

// Pool runs N independent workers against the shared queue.
type Pool struct {
	workers []*Worker
	logger  *zap.Logger
}

// NewPool creates count workers with sequential identities.
func NewPool(count int, st Store, q queue.Queue, gen generate.Client, keyring crypto.Keyring, mon *monitor.Monitor, logger *zap.Logger, cfg Config) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*Worker, count)
	for i := range workers {
		workers[i] = New(fmt.Sprintf("worker-%d", i+1), st, q, gen, keyring, mon, logger, cfg)
	}
	return &Pool{workers: workers, logger: logger}
}

// Run starts every worker and blocks until all have exited. Workers stop
// consuming when ctx is cancelled but finish their in-flight claim/ack
// cycle first.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				p.logger.Error("worker exited with error",
					zap.String("worker_id", w.ID()), zap.Error(err))
			}
		}(w)
	}
	wg.Wait()
}
