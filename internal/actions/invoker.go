package actions

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/ledger"
)

// Ledger is the part of the ledger the invoker needs for deduplication.
type Ledger interface {
	HasCompleted(idempotencyKey string) bool
	AppendWithSource(eventType ledger.EventType, idempotencyKey, source, command string, payload map[string]any) error
}

// Invoker executes actions with deduplication
type Invoker struct {
	registry   *Registry
	ledger     Ledger
	ctxFactory func(ctx context.Context) *Context
}

// NewInvoker creates a new action invoker. A nil ledger disables
// deduplication.
func NewInvoker(registry *Registry, l Ledger, ctxFactory func(ctx context.Context) *Context) *Invoker {
	return &Invoker{
		registry:   registry,
		ledger:     l,
		ctxFactory: ctxFactory,
	}
}

// Registry returns the registry actions are looked up in.
func (i *Invoker) Registry() *Registry {
	return i.registry
}

// Invoke executes an action. A non-empty idempotency key that already
// completed skips execution; the returned bool reports whether it ran.
func (i *Invoker) Invoke(ctx context.Context, actionName string, args map[string]any, idempotencyKey string) (bool, error) {
	return i.InvokeWithSource(ctx, actionName, args, idempotencyKey, "")
}

// InvokeWithSource is like Invoke but records where the call came from.
func (i *Invoker) InvokeWithSource(ctx context.Context, actionName string, args map[string]any, idempotencyKey, source string) (bool, error) {
	action, err := i.registry.Lookup(actionName)
	if err != nil {
		return false, err
	}

	if idempotencyKey != "" && i.ledger != nil && i.ledger.HasCompleted(idempotencyKey) {
		log.Debug().
			Str("action", actionName).
			Str("idempotency_key", idempotencyKey).
			Msg("Action already completed, skipping")
		return false, nil
	}

	logEvent := log.Debug().Str("action", actionName).Interface("args", args)
	if source != "" {
		logEvent = logEvent.Str("source", source)
	}
	logEvent.Msg("Executing action")

	if args == nil {
		args = map[string]any{}
	}
	err = action.Execute(i.ctxFactory(ctx), args)

	if err != nil {
		i.appendLedger(ledger.EventActionFailed, idempotencyKey, source, actionName, map[string]any{
			"action": actionName,
			"error":  err.Error(),
		})
		return true, err
	}

	i.appendLedger(ledger.EventActionCompleted, idempotencyKey, source, actionName, map[string]any{
		"action": actionName,
		"args":   args,
	})
	return true, nil
}

// HasAction checks if an action is registered
func (i *Invoker) HasAction(actionName string) bool {
	_, exists := i.registry.Get(actionName)
	return exists
}

func (i *Invoker) appendLedger(eventType ledger.EventType, idempotencyKey, source, actionName string, payload map[string]any) {
	if i.ledger == nil {
		return
	}
	if err := i.ledger.AppendWithSource(eventType, idempotencyKey, source, actionName, payload); err != nil {
		log.Error().Err(err).Str("action", actionName).Msg("Failed to record action in ledger")
	}
}
