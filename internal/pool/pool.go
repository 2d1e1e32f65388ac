// Package pool implements a bounded set of goroutines that each run one claimed order
// through validate -> (preprocess) -> import and record the terminal tracker event.
package pool

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"ingestd/internal/ingesterr"
	"ingestd/internal/importer"
	"ingestd/internal/logging"
	"ingestd/internal/observability"
	"ingestd/internal/preprocess"
	"ingestd/internal/store"
	"ingestd/internal/validate"
)

// Pipeline bundles the collaborators one worker needs to carry an order from claim to
// terminal event. Each field is the narrow interface its owning package already exports.
type Pipeline struct {
	Tracker   store.Tracker
	Resolver  validate.IdentityResolver
	Repo      importer.Repository
	Runner    importer.Runner
	PreRunner preprocess.Runner

	ValidateOptions   validate.Options
	PreprocessOptions preprocess.Options
	ImportOptions     importer.CLIOptions
	SessionTTL        time.Duration
}

// Pool runs up to Size orders concurrently. Submit blocks when the pool is at capacity,
// giving the poller natural backpressure: it must not claim more orders than the pool
// has room to run.
type Pool struct {
	size     int
	sem      chan struct{}
	wg       sync.WaitGroup
	pipeline Pipeline
	log      *zap.SugaredLogger
}

// New builds a Pool of the given size.
func New(size int, pipeline Pipeline, log *zap.SugaredLogger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:     size,
		sem:      make(chan struct{}, size),
		pipeline: pipeline,
		log:      log,
	}
}

// FreeSlots reports how many orders the pool could accept right now, letting the poller
// decide whether to claim another order.
func (p *Pool) FreeSlots() int {
	return p.size - len(p.sem)
}

// Submit runs order's pipeline on a pool goroutine. It blocks while the pool is full;
// callers should check FreeSlots before calling.
func (p *Pool) Submit(ctx context.Context, order store.Order) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		p.run(ctx, order)
	}()
}

// Wait blocks until every submitted order has finished running, for graceful shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// run carries order through the pipeline under a context detached from ctx's
// cancellation (but not its values): the submitting context is the daemon's
// shutdown-signal context, and an in-flight subprocess (container run, import CLI) must
// be allowed to finish within the shutdown grace period rather than being killed the
// instant a signal arrives. Lifecycle.drain is what actually bounds how long shutdown
// waits for these to finish.
func (p *Pool) run(ctx context.Context, order store.Order) {
	ctx = context.WithoutCancel(ctx)
	log := logging.WithOrder(p.log, order.UUID)

	ctx, span := observability.StartSpan(ctx, "pool.run_order", attribute.String("order.uuid", order.UUID))
	defer span.End()

	validated, err := validate.Validate(ctx, order, p.pipeline.Resolver, p.pipeline.ValidateOptions)
	if err != nil {
		p.fail(ctx, log, order.UUID, err)
		return
	}

	var results []preprocess.Result
	if order.Preprocessing != nil {
		results, err = preprocess.Run(ctx, order, p.pipeline.PreRunner, p.pipeline.PreprocessOptions)
		if err != nil {
			p.fail(ctx, log, order.UUID, err)
			return
		}
	}

	im := &importer.Importer{
		Repo:    p.pipeline.Repo,
		Runner:  p.pipeline.Runner,
		Options: p.pipeline.ImportOptions,
		TTL:     p.pipeline.SessionTTL,
	}
	out, err := im.Import(ctx, importer.Input{Order: order, Validated: validated, Preprocessed: results})
	if err != nil {
		p.fail(ctx, log, order.UUID, err)
		return
	}

	log.Infow("import completed", "object_count", len(out.ObjectIDs), "rewired", out.Rewired)
	if recErr := p.pipeline.Tracker.Record(ctx, order.UUID, store.StageCompleted, "import completed"); recErr != nil {
		log.Errorw("failed to record completion event", "error", recErr)
	}
	observability.Default.IncCounter("orders_completed_total", map[string]string{"destination_type": string(validated.DestinationType)}, 1)
}

func (p *Pool) fail(ctx context.Context, log *zap.SugaredLogger, uuid string, cause error) {
	log.Errorw("order failed", "kind", ingesterr.KindOf(cause), "error", cause)
	if recErr := p.pipeline.Tracker.Record(ctx, uuid, store.StageFailed, ingesterr.Message(cause)); recErr != nil {
		log.Errorw("failed to record failure event", "error", recErr)
	}
	observability.Default.IncCounter("orders_failed_total", map[string]string{"kind": string(ingesterr.KindOf(cause))}, 1)
}
