// Package router implements the C9 front-end contract on_update(update) ->
// ack: idempotency short-circuit, ownership gate, registry resolution,
// session-driven state machine, dispatch, and reply rendering.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrowen/foliobot/internal/router/chatmodel"
	"github.com/mrowen/foliobot/internal/router/dispatcher"
	"github.com/mrowen/foliobot/internal/router/handler"
	"github.com/mrowen/foliobot/internal/router/idempotency"
	"github.com/mrowen/foliobot/internal/router/registry"
	"github.com/mrowen/foliobot/internal/router/session"
)

// Engine wires every router subsystem together behind on_update.
type Engine struct {
	Registry     *registry.Registry
	Sessions     *session.Store
	Idempotency  *idempotency.Store
	Dispatcher   *dispatcher.Dispatcher
	Owners       map[int64]bool
	Log          zerolog.Logger
}

// Ack is the (deliberately minimal) outcome of handling one update: the
// pages to send, or nothing at all for a no-op short-circuit.
type Ack struct {
	ChatID int64
	Pages  []handler.Page
}

// OnUpdate implements §4.9's contract. Outbound delivery is the caller's
// job, off the request path; OnUpdate only decides what to say.
func (e *Engine) OnUpdate(ctx context.Context, upd chatmodel.Update) (Ack, error) {
	e.Registry.MaybeReload()

	if upd.Message == nil {
		return Ack{}, nil
	}
	text, ok := upd.Text()
	if !ok {
		return Ack{}, nil
	}
	chatID := upd.Message.Chat.ID

	seen, err := e.Idempotency.Seen(chatID, upd.UpdateID)
	if err != nil {
		e.Log.Warn().Err(err).Msg("idempotency check failed, proceeding without de-dup")
	} else if seen {
		return Ack{ChatID: chatID}, nil
	}

	if len(e.Owners) > 0 && !e.Owners[upd.Message.From.ID] {
		return Ack{ChatID: chatID, Pages: handler.RenderUnauthorized().Pages}, nil
	}

	sess, err := e.Sessions.Ensure(chatID)
	if err != nil {
		return Ack{}, fmt.Errorf("loading session for chat %d: %w", chatID, err)
	}

	uc := dispatcher.UserContext{UserID: upd.Message.From.ID}
	result, newSess, err := e.route(ctx, sess, uc, text)
	if err != nil {
		return Ack{}, err
	}
	if newSess == nil {
		if err := e.Sessions.Clear(chatID); err != nil {
			e.Log.Warn().Err(err).Msg("clearing session failed")
		}
	} else {
		if err := e.Sessions.Set(newSess); err != nil {
			e.Log.Warn().Err(err).Msg("persisting session failed")
		}
	}
	return Ack{ChatID: chatID, Pages: result.Pages}, nil
}

// route implements the session state machine transitions of §4.2,
// producing a handler.Result and the session to persist (nil meaning clear).
func (e *Engine) route(ctx context.Context, sess *session.Session, uc dispatcher.UserContext, text string) (handler.Result, *session.Session, error) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	switch sess.State {
	case session.Confirming:
		switch lower {
		case "y", "yes":
			return e.runConfirmed(ctx, sess, uc)
		case "n", "no":
			return handler.RenderConfirmCancelled(), nil, nil
		default:
			if !strings.HasPrefix(trimmed, "/") {
				return handler.RenderConfirmUnclear(sess.Confirm.Prompt), sess, nil
			}
		}
	}

	if lower == "/cancel" || lower == "/exit" {
		if lower == "/cancel" {
			return handler.RenderCancel(), nil, nil
		}
		return handler.RenderExit(), nil, nil
	}

	if strings.HasPrefix(trimmed, "/") {
		return e.startCommand(ctx, sess, uc, trimmed)
	}

	switch sess.State {
	case session.Prompting:
		return e.continuePrompt(ctx, sess, uc, trimmed)
	case session.StickyReady:
		return e.startCommand(ctx, sess, uc, "/"+sess.CommandName+" "+trimmed)
	default:
		return handler.RenderHelp(e.Registry.List()), nil, nil
	}
}

func (e *Engine) startCommand(ctx context.Context, existing *session.Session, uc dispatcher.UserContext, text string) (handler.Result, *session.Session, error) {
	fields := strings.SplitN(strings.TrimSpace(text), " ", 2)
	cmdText := fields[0]
	rest := ""
	if len(fields) == 2 {
		rest = fields[1]
	}

	spec, ok := e.Registry.Resolve(cmdText)
	if !ok {
		return handler.Result{Pages: []handler.Page{{Text: "Unknown command. /help to list commands."}}}, existing, nil
	}

	if session.ShouldClear(existing, spec.Name) {
		existing = &session.Session{ChatID: existing.ChatID, State: session.Idle}
	}

	if spec.Name == "help" {
		return handler.RenderHelp(e.Registry.List()), nil, nil
	}

	tokens := registry.Tokenize(rest)
	vr := registry.Validate(spec.Name, spec.ArgsSchema, tokens, nil)
	if vr.Err != "" {
		return handler.Result{Pages: []handler.Page{{Text: "Invalid input: " + vr.Err + "\nUsage: " + spec.Help}}}, existing, nil
	}
	if len(vr.MissingFrom) > 0 {
		newSess := &session.Session{
			ChatID: existing.ChatID, CommandName: spec.Name, Got: vr.Values,
			MissingFrom: vr.MissingFrom, TTLSec: existing.TTLSec,
		}
		newSess.State = session.Prompting
		prompt := fmt.Sprintf("%s needs: %s\n%s", spec.Name, strings.Join(vr.MissingFrom, ", "), spec.Help)
		return handler.Result{Pages: []handler.Page{{Text: prompt}}}, newSess, nil
	}

	if spec.Name == "allocation_edit" {
		if err := handler.CheckAllocationSum(vr.Values); err != nil {
			return handler.Result{Pages: []handler.Page{{Text: "Invalid input: " + err.Error()}}}, existing, nil
		}
	}

	if spec.Confirm {
		confirmSess := &session.Session{
			ChatID: existing.ChatID, State: session.Confirming,
			Confirm: &session.ConfirmPayload{CommandName: spec.Name, Args: vr.Values, Prompt: confirmPrompt(spec, vr.Values)},
			TTLSec:  existing.TTLSec,
		}
		return handler.RenderConfirmPrompt(confirmSess.Confirm.Prompt), confirmSess, nil
	}

	return e.dispatchAndSettle(ctx, spec, vr.Values, uc, existing.ChatID, existing.TTLSec)
}

func (e *Engine) continuePrompt(ctx context.Context, sess *session.Session, uc dispatcher.UserContext, text string) (handler.Result, *session.Session, error) {
	spec, ok := e.Registry.Resolve(sess.CommandName)
	if !ok {
		return handler.Result{Pages: []handler.Page{{Text: "Session expired. Start again."}}}, nil, nil
	}
	tokens := registry.Tokenize(text)
	vr := registry.Validate(spec.Name, spec.ArgsSchema, tokens, sess.Got)
	if vr.Err != "" {
		return handler.Result{Pages: []handler.Page{{Text: "Invalid input: " + vr.Err}}}, sess, nil
	}
	if len(vr.MissingFrom) > 0 {
		sess.Got = vr.Values
		sess.MissingFrom = vr.MissingFrom
		return handler.Result{Pages: []handler.Page{{Text: "Still need: " + strings.Join(vr.MissingFrom, ", ")}}}, sess, nil
	}
	if spec.Confirm {
		confirmSess := &session.Session{
			ChatID: sess.ChatID, State: session.Confirming,
			Confirm: &session.ConfirmPayload{CommandName: spec.Name, Args: vr.Values, Prompt: confirmPrompt(spec, vr.Values)},
			TTLSec:  sess.TTLSec,
		}
		return handler.RenderConfirmPrompt(confirmSess.Confirm.Prompt), confirmSess, nil
	}
	return e.dispatchAndSettle(ctx, spec, vr.Values, uc, sess.ChatID, sess.TTLSec)
}

func (e *Engine) runConfirmed(ctx context.Context, sess *session.Session, uc dispatcher.UserContext) (handler.Result, *session.Session, error) {
	spec, ok := e.Registry.Resolve(sess.Confirm.CommandName)
	if !ok {
		return handler.Result{Pages: []handler.Page{{Text: "Session expired."}}}, nil, nil
	}
	env, err := e.Dispatcher.Dispatch(ctx, spec, sess.Confirm.Args, uc)
	if err != nil {
		return handler.Result{}, nil, fmt.Errorf("dispatching confirmed %s: %w", spec.Name, err)
	}
	return handler.RenderDispatch(spec.Name, env, sess.Confirm.Args, false), nil, nil
}

// dispatchAndSettle dispatches a fully-validated command and decides
// IDLE vs STICKY_READY for the resulting session per §4.2's first transition.
func (e *Engine) dispatchAndSettle(ctx context.Context, spec registry.CommandSpec, values map[string]string, uc dispatcher.UserContext, chatID int64, ttlSec int) (handler.Result, *session.Session, error) {
	env, err := e.Dispatcher.Dispatch(ctx, spec, values, uc)
	if err != nil {
		return handler.Result{}, nil, fmt.Errorf("dispatching %s: %w", spec.Name, err)
	}
	result := handler.RenderDispatch(spec.Name, env, values, e.Registry.IsSticky(spec.Name))
	if !result.KeepSticky {
		return result, nil, nil
	}
	return result, &session.Session{
		ChatID: chatID, State: session.StickyReady, CommandName: spec.Name,
		Sticky: true, TTLSec: ttlSec, CreatedTS: time.Now().UTC().Unix(),
	}, nil
}

func confirmPrompt(spec registry.CommandSpec, values map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Confirm %s", spec.Name)
	if len(values) > 0 {
		b.WriteString(":")
		for _, f := range spec.ArgsSchema {
			if v, ok := values[f.Name]; ok {
				fmt.Fprintf(&b, " %s=%s", f.Name, v)
			}
		}
	}
	return b.String()
}
