package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"
)

const riverShutdownTimeout = 30 * time.Second

// ReconcileArgs is the river job payload.
type ReconcileArgs struct {
	Notification
}

// Kind implements river.JobArgs.
func (ReconcileArgs) Kind() string { return "reconcile_payment" }

// InsertOpts deduplicates deliveries of the same notification.
func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 12,
		UniqueOpts:  river.UniqueOpts{ByArgs: true, ByPeriod: time.Hour},
	}
}

type reconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reconciler Reconcilable
}

func (w *reconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	outcome, err := w.reconciler.Reconcile(ctx, job.Args.Notification)
	if err != nil {
		if errors.Is(err, ErrVerificationFailed) {
			return river.JobCancel(err)
		}
		return err
	}
	log.Debug().Str("reference", job.Args.Reference).Str("outcome", string(outcome)).Int64("job_id", job.ID).Msg("Reconcile job finished")
	return nil
}

// RiverQueue stores notifications as durable river jobs in Postgres.
type RiverQueue struct {
	client *river.Client[pgx.Tx]
}

// NewRiverQueue creates a river client that works reconcile jobs.
func NewRiverQueue(pool *pgxpool.Pool, reconciler Reconcilable, workers int) (*RiverQueue, error) {
	if workers < 1 {
		workers = 1
	}
	ws := river.NewWorkers()
	if err := river.AddWorkerSafely(ws, &reconcileWorker{reconciler: reconciler}); err != nil {
		return nil, fmt.Errorf("register reconcile worker: %w", err)
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: workers},
		},
		Workers: ws,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &RiverQueue{client: client}, nil
}

// Enqueue implements Queue.
func (q *RiverQueue) Enqueue(ctx context.Context, n Notification) error {
	res, err := q.client.Insert(ctx, ReconcileArgs{Notification: n}, nil)
	if err != nil {
		return fmt.Errorf("insert reconcile job: %w", err)
	}
	if res.UniqueSkippedAsDuplicate {
		log.Debug().Str("reference", n.Reference).Msg("Reconcile job already queued")
	}
	return nil
}

// Run starts the workers and stops them when ctx is cancelled.
func (q *RiverQueue) Run(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("start river: %w", err)
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), riverShutdownTimeout)
	defer cancel()
	return q.client.Stop(stopCtx)
}

// MigrateRiver applies river's own schema migrations.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrate river schema: %w", err)
	}
	for _, v := range res.Versions {
		log.Info().Int("version", v.Version).Msg("Applied river migration")
	}
	return nil
}
