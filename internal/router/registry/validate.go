package registry

import (
	"fmt"
	"strings"
)

// uppercaseSymbolCommands is the post-pass name list from §4.1: "symbols
// uppercased for commands in {add, remove, buy, sell}".
var uppercaseSymbolCommands = map[string]bool{
	"add": true, "remove": true, "buy": true, "sell": true,
}

// ValidateResult is validate's fill-then-validate outcome.
type ValidateResult struct {
	Values      map[string]string
	MissingFrom []string
	Err         string
}

// Validate fills schema's required fields in order from tokens, falling
// back to priorGot for any field tokens didn't cover, then reports which
// required fields remain unfilled and any coercion errors joined with "; ".
func Validate(commandName string, schema []ArgField, tokens []string, priorGot map[string]string) ValidateResult {
	values := make(map[string]string, len(schema))
	var missing []string
	var errs []string

	idx := 0
	for _, field := range schema {
		if field.Many {
			rest := tokens[idx:]
			idx = len(tokens)
			if len(rest) == 0 {
				if v, ok := priorGot[field.Name]; ok {
					values[field.Name] = v
					continue
				}
				if field.Required || field.MinItems > 0 {
					missing = append(missing, field.Name)
				}
				continue
			}
			if field.MinItems > 0 && len(rest) < field.MinItems {
				errs = append(errs, fmt.Sprintf("%s: expected at least %d item(s)", field.Name, field.MinItems))
				continue
			}
			if field.MaxItems > 0 && len(rest) > field.MaxItems {
				rest = rest[:field.MaxItems]
			}
			coerced := make([]string, 0, len(rest))
			for _, tok := range rest {
				v, err := Coerce(field, tok)
				if err != nil {
					errs = append(errs, err.Error())
					continue
				}
				coerced = append(coerced, v)
			}
			values[field.Name] = strings.Join(coerced, " ")
			continue
		}

		var raw string
		var have bool
		if idx < len(tokens) {
			raw = tokens[idx]
			idx++
			have = true
		} else if v, ok := priorGot[field.Name]; ok {
			values[field.Name] = v
			continue
		}

		if !have {
			if field.Required {
				missing = append(missing, field.Name)
			}
			continue
		}
		v, err := Coerce(field, raw)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		values[field.Name] = v
	}

	if uppercaseSymbolCommands[commandName] {
		if v, ok := values["symbol"]; ok {
			values["symbol"] = strings.ToUpper(v)
		}
	}

	return ValidateResult{Values: values, MissingFrom: missing, Err: strings.Join(errs, "; ")}
}
