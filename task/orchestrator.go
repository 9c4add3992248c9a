package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"credflow/decision"
	"credflow/ledger"
)

// ErrValidation wraps malformed send requests rejected before any task
// is created or mutated.
var ErrValidation = errors.New("task: validation failed")

// DefaultWaitTimeout bounds a blocking send when no timeout is
// configured.
const DefaultWaitTimeout = 300 * time.Second

// ScoreReader is the slice of the ledger the orchestrator consults.
type ScoreReader interface {
	GetScore(ctx context.Context, agentID string) (ledger.Score, error)
}

// PaymentOrder instructs the payment executor to settle an accepted
// zero-delay obligation.
type PaymentOrder struct {
	Payer    string
	Payee    string
	Amount   decimal.Decimal
	Currency string
}

// Receipt is the executor's proof of settlement. Reporting it back
// through the ledger is the caller's responsibility; acceptance and
// settlement are decoupled.
type Receipt struct {
	Reference string
	SettledAt time.Time
}

// PaymentExecutor is the external collaborator that moves funds.
type PaymentExecutor interface {
	Execute(ctx context.Context, order PaymentOrder) (Receipt, error)
}

// Config carries the orchestrator's identity and risk posture.
type Config struct {
	// Owner is this agent's id: the payee of every negotiated obligation.
	Owner string
	// Policy governs automatic accept/reject/counter thresholds.
	Policy decision.Policy
	// WaitTimeout bounds blocking sends. Zero means DefaultWaitTimeout.
	WaitTimeout time.Duration
}

// SendParams is one inbound negotiation message.
type SendParams struct {
	ContextID          string
	TaskID             string
	CounterpartyID     string
	Text               string
	Amount             decimal.Decimal
	Currency           string
	RequestedDelayDays int
	Blocking           bool
}

// Orchestrator owns every task mutation. Operations on the same task
// id are serialized through a keyed mutex; blocking callers wait on a
// one-shot resolver that is cleared on every resolution path.
type Orchestrator struct {
	cfg      Config
	store    *Store
	scores   ScoreReader
	provider decision.Provider
	executor PaymentExecutor
	hub      *Hub
	locks    *keyedMutex
	logger   *logrus.Logger

	mu      sync.Mutex
	waiters map[string][]chan Task
}

func NewOrchestrator(store *Store, scores ScoreReader, provider decision.Provider, hub *Hub, cfg Config, logger *logrus.Logger) *Orchestrator {
	if store == nil {
		store = NewStore()
	}
	if hub == nil {
		hub = NewHub()
	}
	if provider == nil {
		provider = decision.PolicyProvider{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		scores:   scores,
		provider: provider,
		hub:      hub,
		locks:    newKeyedMutex(),
		logger:   logger,
		waiters:  make(map[string][]chan Task),
	}
}

// WithExecutor attaches the payment executor collaborator.
func (o *Orchestrator) WithExecutor(executor PaymentExecutor) *Orchestrator {
	o.executor = executor
	return o
}

// Process handles one inbound message: it creates or continues the
// matching task, routes the message to the decision step or, for an
// input-required task, to the human-decision path, and for blocking
// callers waits for a terminal or input-required outcome under the
// configured timeout.
func (o *Orchestrator) Process(ctx context.Context, p SendParams) (Task, error) {
	if strings.TrimSpace(p.Text) == "" {
		return Task{}, fmt.Errorf("%w: message text required", ErrValidation)
	}

	t, created, err := o.createOrContinue(p)
	if err != nil {
		return Task{}, err
	}

	if !created && t.State == StateInputRequired {
		// The message is the human decision for a pending approval.
		return o.resume(ctx, t.ID, p.Text)
	}

	if _, err := o.store.AppendMessage(t.ID, RoleUser, p.Text); err != nil {
		return Task{}, err
	}

	var waitCh chan Task
	if p.Blocking {
		waitCh = o.addWaiter(t.ID)
	}

	go o.advance(t.ID)

	if !p.Blocking {
		return o.store.Get(t.ID)
	}
	return o.waitForOutcome(ctx, t.ID, waitCh)
}

// createOrContinue reuses the task matching the explicit id or the
// context's latest non-terminal task, otherwise creates a fresh task
// and advances it to working immediately.
func (o *Orchestrator) createOrContinue(p SendParams) (Task, bool, error) {
	if p.TaskID != "" {
		t, err := o.store.Get(p.TaskID)
		if err != nil {
			return Task{}, false, err
		}
		if t.State.Terminal() {
			return Task{}, false, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, t.State)
		}
		return t, false, nil
	}

	contextID := p.ContextID
	if contextID != "" {
		if existing, ok := o.store.LatestForContext(contextID); ok && !existing.State.Terminal() {
			return existing, false, nil
		}
	} else {
		contextID = uuid.NewString()
	}

	if strings.TrimSpace(p.CounterpartyID) == "" {
		return Task{}, false, fmt.Errorf("%w: counterparty id required for a new negotiation", ErrValidation)
	}

	req := buildRequest(p)
	t := o.store.Create(contextID, req)
	t, err := o.store.SetState(t.ID, StateWorking)
	if err != nil {
		return Task{}, false, err
	}
	o.publish(t, false, "negotiation started")

	o.logger.WithFields(logrus.Fields{
		"task_id":      t.ID,
		"context_id":   t.ContextID,
		"counterparty": req.CounterpartyID,
		"delay_days":   req.RequestedDelayDays,
	}).Info("negotiation task created")

	return t, true, nil
}

func buildRequest(p SendParams) Request {
	delay := p.RequestedDelayDays
	if delay <= 0 {
		if days, ok := parseDelayDays(p.Text); ok {
			delay = days
		}
	}
	amount := p.Amount
	if amount.IsZero() {
		if parsed, ok := parseAmount(p.Text); ok {
			amount = parsed
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = "USD"
	}
	return Request{
		CounterpartyID:     strings.ToLower(strings.TrimSpace(p.CounterpartyID)),
		Amount:             amount,
		Currency:           currency,
		RequestedDelayDays: delay,
		Summary:            strings.TrimSpace(p.Text),
	}
}

// advance runs the decision step for a task under its keyed lock.
func (o *Orchestrator) advance(taskID string) {
	unlock := o.locks.Lock(taskID)
	defer unlock()

	t, err := o.store.Get(taskID)
	if err != nil || t.State != StateWorking {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.WaitTimeout)
	defer cancel()
	o.step(ctx, t)
}

func (o *Orchestrator) step(ctx context.Context, t Task) {
	score, err := o.scores.GetScore(ctx, t.Request.CounterpartyID)
	if err != nil {
		o.fail(t.ID, fmt.Sprintf("credit score lookup: %v", err))
		return
	}

	req := decision.Request{
		Policy:             o.cfg.Policy,
		CounterpartyID:     t.Request.CounterpartyID,
		CounterpartyScore:  score.Score,
		CounterpartyIsNew:  score.IsNew,
		RequestedDelayDays: t.Request.RequestedDelayDays,
		Amount:             t.Request.Amount,
		Currency:           t.Request.Currency,
		Summary:            t.Request.Summary,
	}

	dec, err := o.provider.Decide(ctx, req)
	if err != nil {
		// Collaborator failure: never fail silently, hand it to a human
		// with the policy engine's recommendation attached.
		fallback := decision.Evaluate(o.cfg.Policy, score.Score, t.Request.RequestedDelayDays, t.Request.Amount)
		o.toInputRequired(t, score, fallback, fmt.Sprintf("decision oracle unavailable: %v", err))
		return
	}

	if dec.Action == decision.ActionAskUser || dec.RequiresHumanApproval {
		o.toInputRequired(t, score, dec, "")
		return
	}

	o.finalize(ctx, t, dec)
}

func (o *Orchestrator) toInputRequired(t Task, score ledger.Score, recommendation decision.Decision, note string) {
	prompt := ApprovalPrompt{
		Summary:           t.Request.Summary,
		CounterpartyID:    t.Request.CounterpartyID,
		CounterpartyScore: score.Score,
		CounterpartyIsNew: score.IsNew,
		Recommendation:    recommendation,
		NextActions:       []string{"approve", "reject", "counter <days>"},
		Note:              note,
	}
	_ = o.store.SetMetadata(t.ID, MetaApprovalPrompt, prompt)
	_ = o.store.SetMetadata(t.ID, MetaDecision, recommendation)

	updated, err := o.store.SetState(t.ID, StateInputRequired)
	if err != nil {
		return
	}
	o.publish(updated, false, "waiting for human approval")
	o.resolveWaiters(updated)

	o.logger.WithFields(logrus.Fields{
		"task_id":        t.ID,
		"recommendation": recommendation.Action,
		"score":          score.Score,
	}).Info("negotiation needs human approval")
}

// resume applies a human decision to an input-required task. Any other
// state is an invalid transition and is left unchanged.
func (o *Orchestrator) resume(ctx context.Context, taskID, text string) (Task, error) {
	unlock := o.locks.Lock(taskID)
	defer unlock()

	t, err := o.store.Get(taskID)
	if err != nil {
		return Task{}, err
	}
	if t.State != StateInputRequired {
		return t, fmt.Errorf("%w: resume requires input-required, task %s is %s", ErrInvalidTransition, t.ID, t.State)
	}

	parsed, err := decision.ParseReply(text)
	if err != nil || parsed.Action == decision.ActionAskUser {
		return t, fmt.Errorf("%w: %q", ErrUnrecognizedDecision, text)
	}

	if _, err := o.store.AppendMessage(t.ID, RoleUser, text); err != nil {
		return Task{}, err
	}
	_ = o.store.SetMetadata(t.ID, MetaHumanDecision, text)

	working, err := o.store.SetState(t.ID, StateWorking)
	if err != nil {
		return Task{}, err
	}
	o.publish(working, false, "human decision received")

	switch parsed.Action {
	case decision.ActionAccept:
		o.finalize(ctx, working, decision.Decision{
			Action:     decision.ActionAccept,
			Reason:     "approved by human",
			Confidence: 1,
		})
	case decision.ActionReject:
		_ = o.store.SetMetadata(t.ID, MetaDecision, decision.Decision{
			Action:     decision.ActionReject,
			Reason:     "rejected by human",
			Confidence: 1,
		})
		rejected, err := o.store.SetState(t.ID, StateRejected)
		if err != nil {
			return Task{}, err
		}
		o.publish(rejected, true, "rejected by human")
		o.resolveWaiters(rejected)
	case decision.ActionCounterOffer:
		days := parsed.CounterDelayDays
		if days <= 0 {
			if n, ok := decision.ParseDays(text); ok {
				days = n
			} else {
				days = o.cfg.Policy.MaxAcceptableDelayDays
			}
		}
		o.finalize(ctx, working, decision.Decision{
			Action:           decision.ActionCounterOffer,
			CounterDelayDays: days,
			Reason:           "counter-offer by human",
			Confidence:       1,
		})
	}

	return o.store.Get(t.ID)
}

// finalize records the decision payload and completes the task. A
// zero-delay acceptance triggers the payment executor; an executor
// failure is recorded but never undoes the acceptance.
func (o *Orchestrator) finalize(ctx context.Context, t Task, dec decision.Decision) {
	if dec.Action == decision.ActionAccept && t.Request.RequestedDelayDays == 0 && o.executor != nil {
		receipt, err := o.executor.Execute(ctx, PaymentOrder{
			Payer:    t.Request.CounterpartyID,
			Payee:    o.cfg.Owner,
			Amount:   t.Request.Amount,
			Currency: t.Request.Currency,
		})
		if err != nil {
			_ = o.store.SetMetadata(t.ID, MetaPaymentError, err.Error())
			o.logger.WithFields(logrus.Fields{
				"task_id": t.ID,
				"error":   err.Error(),
			}).Warn("payment execution failed after acceptance")
		} else {
			_ = o.store.SetMetadata(t.ID, MetaPaymentReceipt, receipt)
		}
	}

	_ = o.store.SetMetadata(t.ID, MetaDecision, dec)

	completed, err := o.store.SetState(t.ID, StateCompleted)
	if err != nil {
		return
	}
	o.publish(completed, true, string(dec.Action))
	o.resolveWaiters(completed)

	o.logger.WithFields(logrus.Fields{
		"task_id":  t.ID,
		"decision": dec.Action,
	}).Info("negotiation completed")
}

func (o *Orchestrator) fail(taskID, reason string) {
	_ = o.store.SetMetadata(taskID, MetaFailureReason, reason)
	failed, err := o.store.SetState(taskID, StateFailed)
	if err != nil {
		return
	}
	o.publish(failed, true, reason)
	o.resolveWaiters(failed)

	o.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"reason":  reason,
	}).Warn("negotiation failed")
}

// Cancel moves any non-terminal task to cancelled and releases an
// outstanding blocking waiter immediately. It deliberately skips the
// keyed lock: a step stalled inside a collaborator call must not delay
// cancellation, and the store's validated transition guarantees the
// stalled step's own terminal write then becomes a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (Task, error) {
	t, err := o.store.Get(taskID)
	if err != nil {
		return Task{}, err
	}
	if t.State.Terminal() {
		return t, fmt.Errorf("%w: task %s is already %s", ErrInvalidTransition, t.ID, t.State)
	}

	cancelled, err := o.store.SetState(taskID, StateCancelled)
	if err != nil {
		// Lost the race to another terminal transition.
		return o.store.Get(taskID)
	}
	o.publish(cancelled, true, "cancelled by request")
	o.resolveWaiters(cancelled)

	o.logger.WithField("task_id", taskID).Info("negotiation cancelled")
	return cancelled, nil
}

// GetTask returns a task snapshot, optionally truncating history to
// the most recent historyLength messages. A negative historyLength
// keeps the full history.
func (o *Orchestrator) GetTask(taskID string, historyLength int) (Task, error) {
	t, err := o.store.Get(taskID)
	if err != nil {
		return Task{}, err
	}
	if historyLength >= 0 && len(t.History) > historyLength {
		t.History = t.History[len(t.History)-historyLength:]
	}
	return t, nil
}

// ListPendingApproval returns every task waiting on a human decision.
func (o *Orchestrator) ListPendingApproval() []Task {
	return o.store.ListByState(StateInputRequired)
}

// Subscribe registers for a task's status updates. The liveness check
// runs after hub registration: every resolution path writes the
// terminal state before publishing the final update, so a non-terminal
// read here guarantees the subscription sees that final event.
func (o *Orchestrator) Subscribe(taskID string) (<-chan StatusUpdate, func(), error) {
	if _, err := o.store.Get(taskID); err != nil {
		return nil, nil, err
	}

	ch, cancel := o.hub.Subscribe(taskID)

	t, err := o.store.Get(taskID)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if t.State.Terminal() {
		cancel()
		return nil, nil, fmt.Errorf("%w: task %s is already %s", ErrInvalidTransition, t.ID, t.State)
	}
	return ch, cancel, nil
}

func (o *Orchestrator) publish(t Task, final bool, reason string) {
	o.hub.Publish(StatusUpdate{
		TaskID:    t.ID,
		ContextID: t.ContextID,
		State:     t.State,
		Final:     final,
		Reason:    reason,
		Timestamp: t.UpdatedAt,
	})
}

func (o *Orchestrator) addWaiter(taskID string) chan Task {
	ch := make(chan Task, 1)
	o.mu.Lock()
	o.waiters[taskID] = append(o.waiters[taskID], ch)
	o.mu.Unlock()
	return ch
}

// resolveWaiters releases every blocked caller for the task exactly
// once and clears the registration.
func (o *Orchestrator) resolveWaiters(t Task) {
	o.mu.Lock()
	ws := o.waiters[t.ID]
	delete(o.waiters, t.ID)
	o.mu.Unlock()

	for _, ch := range ws {
		ch <- t
	}
}

// removeWaiter detaches one waiter, reporting whether it was still
// registered. A false return means a resolution already claimed it.
func (o *Orchestrator) removeWaiter(taskID string, ch chan Task) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	ws := o.waiters[taskID]
	for i, c := range ws {
		if c == ch {
			ws = append(ws[:i], ws[i+1:]...)
			if len(ws) == 0 {
				delete(o.waiters, taskID)
			} else {
				o.waiters[taskID] = ws
			}
			return true
		}
	}
	return false
}

// waitForOutcome blocks until the task reaches a terminal or
// input-required status, the caller gives up, or the timeout forces
// the task to failed. No task or ledger lock is held while waiting.
func (o *Orchestrator) waitForOutcome(ctx context.Context, taskID string, ch chan Task) (Task, error) {
	// The decision step may have resolved between the task snapshot and
	// waiter registration, in which case the waiter will never be
	// signaled; check once before blocking.
	if snap, err := o.store.Get(taskID); err == nil && (snap.State == StateInputRequired || snap.State.Terminal()) {
		if o.removeWaiter(taskID, ch) {
			return snap, nil
		}
		// A resolution claimed the waiter; its snapshot is buffered.
		return <-ch, nil
	}

	timer := time.NewTimer(o.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		o.removeWaiter(taskID, ch)
		return Task{}, ctx.Err()
	case <-timer.C:
		if !o.removeWaiter(taskID, ch) {
			// A resolution raced the timer; its snapshot is buffered.
			return <-ch, nil
		}
		return o.failForTimeout(taskID)
	}
}

// failForTimeout forces the task to failed after a blocking wait
// expires. Like Cancel it bypasses the keyed lock so a stalled
// collaborator cannot hold the timeout hostage; the validated
// transition keeps the terminal write exactly-once.
func (o *Orchestrator) failForTimeout(taskID string) (Task, error) {
	t, err := o.store.Get(taskID)
	if err != nil {
		return Task{}, err
	}
	if t.State.Terminal() {
		return t, nil
	}

	reason := "blocking wait timed out"
	_ = o.store.SetMetadata(taskID, MetaFailureReason, reason)
	failed, err := o.store.SetState(taskID, StateFailed)
	if err != nil {
		return o.store.Get(taskID)
	}
	o.publish(failed, true, reason)
	o.resolveWaiters(failed)

	o.logger.WithField("task_id", taskID).Warn("blocking wait timed out; task failed")
	return failed, nil
}
