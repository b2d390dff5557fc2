package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"rewardplane/pkg/config"
	"rewardplane/pkg/task"
	"rewardplane/services/ledger"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher fans grants out to per-chain issuance queues and turns chain
// adapter results into ledger attempt outcomes.
type Dispatcher struct {
	ledger   *ledger.Service
	enqueuer task.Enqueuer
	issuers  Registry

	attemptTimeout time.Duration
	attemptCap     int
	reconcileDelay time.Duration
}

type DispatcherParams struct {
	fx.In

	Ledger   *ledger.Service
	Config   *config.Config
	Enqueuer task.Enqueuer `optional:"true"`
	Issuers  Registry      `optional:"true"`
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		ledger:   p.Ledger,
		enqueuer: p.Enqueuer,
		issuers:  p.Issuers,

		attemptTimeout: p.Config.Issuance.AttemptTimeout,
		attemptCap:     p.Config.Issuance.AttemptCap,
		reconcileDelay: p.Config.Issuance.ReconcileDelay,
	}
}

// Dispatch moves the grant to Issuing and enqueues one dispatch task per
// target chain. Enqueueing is concurrent; any single failure aborts the whole
// call and the grant stays Issuing until the requeue pass retries it.
func (d *Dispatcher) Dispatch(ctx context.Context, g *ledger.Grant, chains []string) error {
	if d.enqueuer == nil {
		return errors.New("no task enqueuer configured")
	}
	if len(chains) == 0 {
		return errors.New("no target chains for grant " + g.ID)
	}

	if err := d.ledger.MarkIssuing(ctx, g.ID); err != nil {
		return err
	}

	traceID := trace.SpanFromContext(ctx).SpanContext().TraceID().String()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, chain := range chains {
		chain := chain
		eg.Go(func() error {
			payload, err := json.Marshal(DispatchPayload{
				GrantID:    g.ID,
				CampaignID: g.CampaignID,
				Chain:      chain,
				TraceID:    traceID,
			})
			if err != nil {
				return err
			}

			_, err = d.enqueuer.Enqueue(egCtx,
				asynq.NewTask(TaskIssuanceDispatch, payload),
				asynq.Queue(QueueForChain(chain)),
				asynq.MaxRetry(d.attemptCap),
			)
			return err
		})
	}

	return eg.Wait()
}

// HandleDispatch runs one issuance attempt for one (grant, chain) pair.
func (d *Dispatcher) HandleDispatch(ctx context.Context, t *asynq.Task) error {
	var payload DispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	logger := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("grant_id", payload.GrantID),
		zap.String("chain", payload.Chain),
		zap.String("trace_id", payload.TraceID),
	)

	g, err := d.ledger.Grant(ctx, payload.GrantID)
	if err != nil {
		if errors.Is(err, ledger.ErrGrantNotFound) {
			logger.Warn("grant vanished, dropping dispatch")
			return nil
		}
		return err
	}
	if g.Status == ledger.GrantIssued || g.Status == ledger.GrantReversed {
		logger.Info("grant already terminal, dropping dispatch", zap.String("status", string(g.Status)))
		return nil
	}

	attempts, err := d.ledger.Attempts(ctx, g.ID)
	if err != nil {
		return err
	}

	var chainAttempts int
	for _, a := range attempts {
		if a.Chain != payload.Chain {
			continue
		}
		if a.Outcome == ledger.AttemptConfirmed {
			logger.Info("chain already confirmed, dropping dispatch")
			return nil
		}
		chainAttempts++
	}

	if chainAttempts >= d.attemptCap {
		logger.Warn("attempt cap reached, failing grant", zap.Int("attempts", chainAttempts))
		return d.ledger.MarkFailed(ctx, g.ID)
	}

	issuer, err := d.issuers.For(payload.Chain)
	if err != nil {
		return err
	}

	if err := d.ledger.MarkIssuing(ctx, g.ID); err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	txRef, issueErr := issuer.Issue(attemptCtx, IssueRequest{
		IdempotencyKey: ChainIdempotencyKey(g, payload.Chain),
		Chain:          payload.Chain,
		Recipient:      g.Participant,
		Amount:         g.Amount,
		TierName:       g.TierName,
		CampaignID:     g.CampaignID,
	})

	switch {
	case issueErr == nil:
		logger.Info("issuance confirmed", zap.String("tx_ref", txRef))
		return d.ledger.RecordAttemptOutcome(ctx, g.ID, &ledger.IssuanceAttempt{
			Chain:       payload.Chain,
			TxReference: txRef,
			Outcome:     ledger.AttemptConfirmed,
		})

	case errors.Is(issueErr, context.DeadlineExceeded):
		logger.Warn("issuance attempt timed out, scheduling reconcile")
		if err := d.ledger.RecordAttemptOutcome(ctx, g.ID, &ledger.IssuanceAttempt{
			Chain:   payload.Chain,
			Outcome: ledger.AttemptTimedOut,
		}); err != nil {
			return err
		}
		return d.enqueueReconcile(ctx, payload.GrantID, payload.Chain, payload.TraceID)

	default:
		logger.Warn("issuance attempt failed", zap.Error(issueErr))
		if err := d.ledger.RecordAttemptOutcome(ctx, g.ID, &ledger.IssuanceAttempt{
			Chain:   payload.Chain,
			Outcome: ledger.AttemptFailed,
		}); err != nil {
			return err
		}
		// surface the error so asynq retries onto the same queue
		return issueErr
	}
}

// HandleReconcile resolves a timed-out attempt by asking the chain whether
// the mint actually landed. Only a confirmed absence counts as failure.
func (d *Dispatcher) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	logger := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("grant_id", payload.GrantID),
		zap.String("chain", payload.Chain),
		zap.String("trace_id", payload.TraceID),
	)

	g, err := d.ledger.Grant(ctx, payload.GrantID)
	if err != nil {
		if errors.Is(err, ledger.ErrGrantNotFound) {
			return nil
		}
		return err
	}
	if g.Status == ledger.GrantIssued || g.Status == ledger.GrantReversed {
		return nil
	}

	issuer, err := d.issuers.For(payload.Chain)
	if err != nil {
		return err
	}

	txRef, found, err := issuer.QueryByReference(ctx, ChainIdempotencyKey(g, payload.Chain))
	if err != nil {
		return err
	}

	if found {
		logger.Info("reconcile found landed mint", zap.String("tx_ref", txRef))
		return d.ledger.RecordAttemptOutcome(ctx, g.ID, &ledger.IssuanceAttempt{
			Chain:       payload.Chain,
			TxReference: txRef,
			Outcome:     ledger.AttemptConfirmed,
		})
	}

	logger.Warn("reconcile found no mint, re-dispatching")
	return d.enqueueDispatch(ctx, g, payload.Chain, payload.TraceID)
}

func (d *Dispatcher) enqueueReconcile(ctx context.Context, grantID, chain, traceID string) error {
	if d.enqueuer == nil {
		return nil
	}

	payload, err := json.Marshal(ReconcilePayload{GrantID: grantID, Chain: chain, TraceID: traceID})
	if err != nil {
		return err
	}

	_, err = d.enqueuer.Enqueue(ctx,
		asynq.NewTask(TaskIssuanceReconcile, payload),
		asynq.Queue(QueueForChain(chain)),
		asynq.ProcessIn(d.reconcileDelay),
	)
	return err
}

func (d *Dispatcher) enqueueDispatch(ctx context.Context, g *ledger.Grant, chain, traceID string) error {
	if d.enqueuer == nil {
		return nil
	}

	payload, err := json.Marshal(DispatchPayload{
		GrantID:    g.ID,
		CampaignID: g.CampaignID,
		Chain:      chain,
		TraceID:    traceID,
	})
	if err != nil {
		return err
	}

	_, err = d.enqueuer.Enqueue(ctx,
		asynq.NewTask(TaskIssuanceDispatch, payload),
		asynq.Queue(QueueForChain(chain)),
		asynq.MaxRetry(d.attemptCap),
	)
	return err
}
