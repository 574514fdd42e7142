// Package handler renders the router's reply text for each command family
// (C8): it reads the backend envelope and composes the screen a user sees,
// applying the family-specific rules in spec §4.5 (price partial-missing,
// fx inversion). Only /price and /fx get family-specific rendering; the
// confirm screens are the plain Render* functions below, and every other
// command, buy and sell included, goes through the generic renderer with
// no quote lookup or price fallback of its own.
package handler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mrowen/foliobot/internal/envelope"
	"github.com/mrowen/foliobot/internal/router/registry"
)

// Page is one reply screen; chat transport paging/markup is out of scope,
// so a page is plain text.
type Page struct {
	Text string
}

// Result is a handler's full answer: the pages to send and whether the
// session should remain sticky afterward.
type Result struct {
	Pages      []Page
	KeepSticky bool
}

func onePage(text string) Result {
	return Result{Pages: []Page{{Text: text}}}
}

// RenderHelp lists every registered command in the order given (the
// registry's List sorts by name).
func RenderHelp(specs []registry.CommandSpec) Result {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, spec := range specs {
		if spec.HelpShort != "" {
			fmt.Fprintf(&b, "/%s - %s\n", spec.Name, spec.HelpShort)
		} else {
			fmt.Fprintf(&b, "/%s\n", spec.Name)
		}
	}
	return onePage(b.String())
}

// RenderCancel is the screen shown after /cancel abandons a prompt.
func RenderCancel() Result {
	return onePage("Cancelled.")
}

// RenderExit is the screen shown after /exit leaves a sticky session.
func RenderExit() Result {
	return onePage("Done.")
}

// RenderConfirmPrompt is the Y/N screen shown for /remove and /cash_remove.
func RenderConfirmPrompt(prompt string) Result {
	return onePage(prompt + " (y/n)")
}

// RenderConfirmCancelled is shown when the user answers "n" to a confirmation.
func RenderConfirmCancelled() Result {
	return onePage("Cancelled, nothing changed.")
}

// RenderConfirmUnclear re-shows the confirmation screen on an unrecognized reply.
func RenderConfirmUnclear(prompt string) Result {
	return onePage("Please reply y or n.\n" + prompt + " (y/n)")
}

// RenderUnauthorized is shown to a sender not on the owner list.
func RenderUnauthorized() Result {
	return onePage("Not authorized.")
}

// RenderDispatch renders the reply for a command whose envelope came back
// from a dispatched backend call, applying per-family post-processing.
func RenderDispatch(commandName string, env envelope.Envelope, requestedArgs map[string]string, sticky bool) Result {
	switch commandName {
	case "price", "p", "quote":
		return renderPrice(env, requestedArgs, sticky)
	case "fx":
		return renderFX(env, requestedArgs)
	default:
		return renderGeneric(env, sticky)
	}
}

func renderGeneric(env envelope.Envelope, sticky bool) Result {
	if !env.OK {
		return Result{Pages: []Page{{Text: errorText(env.Error)}}, KeepSticky: sticky}
	}
	var b strings.Builder
	b.WriteString("OK\n")
	appendJSONish(&b, env.Data)
	if env.Partial && env.Error != nil {
		fmt.Fprintf(&b, "\n(partial: %s)", env.Error.Message)
	}
	return Result{Pages: []Page{{Text: b.String()}}, KeepSticky: sticky}
}

func errorText(e *envelope.ErrorBody) string {
	if e == nil {
		return "Something went wrong."
	}
	return fmt.Sprintf("Error (%s): %s", e.Code, e.Message)
}

// renderPrice applies §4.5's /price rule: compute derived_missing when the
// upstream envelope omits details.symbols_failed, and keep sticky whenever
// anything is missing.
func renderPrice(env envelope.Envelope, requestedArgs map[string]string, sticky bool) Result {
	if !env.OK {
		return Result{Pages: []Page{{Text: errorText(env.Error)}}, KeepSticky: sticky}
	}

	requested := strings.Fields(strings.ReplaceAll(requestedArgs["symbols"], ",", " "))
	var data map[string]any
	if m, ok := env.Data.(map[string]any); ok {
		data = m
	}

	present := map[string]bool{}
	if data != nil {
		if single, ok := data["symbol"].(string); ok {
			present[strings.ToUpper(single)] = true
		}
		if quotes, ok := data["quotes"].([]any); ok {
			for _, q := range quotes {
				if qm, ok := q.(map[string]any); ok {
					if sym, ok := qm["symbol"].(string); ok {
						present[strings.ToUpper(sym)] = true
					}
				}
			}
		}
		for sym := range data { // batch map[symbol]quoteResponse shape
			present[strings.ToUpper(sym)] = true
		}
	}

	var missing []string
	if env.Partial && env.Error != nil && env.Error.Details != nil {
		if failed, ok := env.Error.Details["symbols_failed"].([]any); ok {
			for _, f := range failed {
				if s, ok := f.(string); ok {
					missing = append(missing, s)
				}
			}
		}
	}
	if missing == nil {
		for _, sym := range requested {
			if !present[strings.ToUpper(sym)] {
				missing = append(missing, sym)
			}
		}
	}

	var b strings.Builder
	b.WriteString("Prices:\n")
	appendJSONish(&b, env.Data)
	if len(missing) > 0 {
		sort.Strings(missing)
		fmt.Fprintf(&b, "\nCould not price: %s", strings.Join(missing, ", "))
		return Result{Pages: []Page{{Text: b.String()}}, KeepSticky: true}
	}
	return Result{Pages: []Page{{Text: b.String()}}, KeepSticky: sticky}
}

// renderFX applies §4.5's /fx inversion rule: when the user asked for
// EUR/USD but the upstream pair is USD_EUR, the displayed rate is 1/R,
// shown at precision 4 with trailing zeros stripped.
func renderFX(env envelope.Envelope, requestedArgs map[string]string) Result {
	if !env.OK {
		return onePage(errorText(env.Error))
	}
	data, _ := env.Data.(map[string]any)
	if data == nil {
		return onePage("No rate available.")
	}
	if _, ok := data["fx_prompt"]; ok {
		return onePage("Which pair? Reply with BASE QUOTE, e.g. EUR USD.")
	}

	pair, _ := data["pair"].(string)
	rateStr, _ := data["rate"].(string)
	source, _ := data["source"].(string)
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return onePage("No rate available.")
	}

	wantBase := strings.ToUpper(requestedArgs["base"])
	wantQuote := strings.ToUpper(requestedArgs["quote"])
	wantPair := wantBase + "_" + wantQuote
	if wantBase != "" && wantQuote != "" && pair != "" && wantPair != pair && !rate.IsZero() {
		rate = decimal.NewFromInt(1).Div(rate)
		pair = wantPair
	}

	return onePage(fmt.Sprintf("%s: %s (source: %s)", pair, stripTrailingZeros(rate.Round(4)), source))
}

func stripTrailingZeros(d decimal.Decimal) string {
	s := d.StringFixed(4)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// appendJSONish writes a shallow, human-readable rendering of data -- the
// actual screen templating is chat-transport territory and out of scope.
func appendJSONish(b *strings.Builder, data any) {
	m, ok := data.(map[string]any)
	if !ok {
		fmt.Fprintf(b, "%v", data)
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s: %v\n", k, m[k])
	}
}

// CheckAllocationSum mirrors the ledger's sum-to-100 rule locally so
// /allocation_edit can reject before dispatch, per §4.5.
func CheckAllocationSum(values map[string]string) error {
	var total float64
	for _, field := range []string{"stock_pct", "etf_pct", "crypto_pct"} {
		v, err := strconv.ParseFloat(values[field], 64)
		if err != nil {
			return fmt.Errorf("%s is not a number", field)
		}
		total += v
	}
	if total != 100 {
		return fmt.Errorf("allocation must sum to 100, got %v", total)
	}
	return nil
}
