package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// Coerce converts one raw token to a typed string value per field's rules,
// or returns an error describing why the token was rejected.
func Coerce(field ArgField, token string) (string, error) {
	switch field.Type {
	case FieldNumber:
		return coerceNumber(field, token, false)
	case FieldPercent:
		return coerceNumber(field, token, true)
	case FieldInteger:
		return coerceInteger(field, token)
	case FieldEnum:
		return coerceEnum(field, token)
	case FieldString, "":
		return token, nil
	default:
		return "", fmt.Errorf("%s: unknown field type %q", field.Name, field.Type)
	}
}

// normalizeNumeric accepts an optional leading sign, digits, and an optional
// decimal separator written as either ',' or '.'; percent additionally
// tolerates a trailing '%'.
func normalizeNumeric(token string, percent bool) (string, error) {
	s := strings.TrimSpace(token)
	if percent {
		s = strings.TrimSuffix(s, "%")
	}
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return "", fmt.Errorf("empty number")
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return "", fmt.Errorf("%q is not a number", token)
	}
	return s, nil
}

func coerceNumber(field ArgField, token string, percent bool) (string, error) {
	s, err := normalizeNumeric(token, percent)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field.Name, err)
	}
	v, _ := strconv.ParseFloat(s, 64)
	if err := rangeCheck(field, v); err != nil {
		return "", err
	}
	return s, nil
}

func coerceInteger(field ArgField, token string) (string, error) {
	s, err := normalizeNumeric(token, false)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field.Name, err)
	}
	v, _ := strconv.ParseFloat(s, 64)
	i := int64(v) // truncate per §4.1 "number then truncate"
	if err := rangeCheck(field, float64(i)); err != nil {
		return "", err
	}
	return strconv.FormatInt(i, 10), nil
}

func rangeCheck(field ArgField, v float64) error {
	if field.Min != nil && v < *field.Min {
		return fmt.Errorf("%s: %v is below minimum %v", field.Name, v, *field.Min)
	}
	if field.Max != nil && v > *field.Max {
		return fmt.Errorf("%s: %v is above maximum %v", field.Name, v, *field.Max)
	}
	return nil
}

func coerceEnum(field ArgField, token string) (string, error) {
	for _, v := range field.Values {
		if v == token {
			return token, nil
		}
	}
	return "", fmt.Errorf("%s: %q is not one of %v", field.Name, token, field.Values)
}
