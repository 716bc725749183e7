// Package symbols normalizes and validates ticker symbols before they enter the pipeline.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Removal reasons and error types reported in Removed records.
const (
	ReasonEmpty         = "Empty symbol"
	ReasonInvalidFormat = "Invalid symbol format (expected 3-5 alphanumeric)"

	ErrorTypeValue  = "ValueError"
	ErrorTypeFormat = "FormatError"
	ErrorTypeLookup = "LookupError"
)

// ErrNoValidSymbols is returned when validation leaves nothing to process.
var ErrNoValidSymbols = errors.New("no valid symbols")

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{3,5}$`)

// ExistenceChecker checks cheaply that the data source recognizes a symbol.
type ExistenceChecker interface {
	CheckExists(ctx context.Context, symbol string) error
}

// Removed records why a symbol was dropped. It is only used for diagnostics.
type Removed struct {
	Symbol    string
	Reason    string
	ErrorType string
}

// Validator normalizes, de-duplicates and checks symbols.
type Validator struct {
	checker ExistenceChecker
}

// NewValidator creates a validator. A nil checker skips the existence check.
func NewValidator(checker ExistenceChecker) *Validator {
	return &Validator{checker: checker}
}

// Normalize trims and uppercases a symbol.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidFormat reports whether an already normalized symbol is 3-5 alphanumerics.
func ValidFormat(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}

// ValidateAndFilter returns the valid symbols in first-seen order and a removal
// record for every rejected one. Repeats of an accepted or malformed symbol are
// dropped silently, so len(valid)+len(removed) == len(raw) - duplicates.
// Repeats of a symbol whose existence check failed are checked again.
func (v *Validator) ValidateAndFilter(ctx context.Context, raw []string) ([]string, []Removed) {
	valid := make([]string, 0, len(raw))
	var removed []Removed
	seen := make(map[string]bool, len(raw))

	for _, symbol := range raw {
		normalized := Normalize(symbol)
		if normalized == "" {
			removed = append(removed, Removed{Symbol: symbol, Reason: ReasonEmpty, ErrorType: ErrorTypeValue})
			continue
		}
		if seen[normalized] {
			continue
		}

		if !ValidFormat(normalized) {
			seen[normalized] = true
			removed = append(removed, Removed{Symbol: normalized, Reason: ReasonInvalidFormat, ErrorType: ErrorTypeFormat})
			continue
		}

		// A failed check may be transient, so a later repeat is checked again.
		if v.checker != nil {
			if err := v.checker.CheckExists(ctx, normalized); err != nil {
				removed = append(removed, Removed{Symbol: normalized, Reason: err.Error(), ErrorType: errorType(err)})
				continue
			}
		}
		seen[normalized] = true
		valid = append(valid, normalized)
	}

	return valid, removed
}

// LogRemoved logs up to limit removal records, then one summary line for the rest.
// A non-positive limit logs only the summary.
func LogRemoved(log zerolog.Logger, removed []Removed, limit int, tier string) {
	if limit < 0 {
		limit = 0
	}
	for i, r := range removed {
		if i >= limit {
			break
		}
		log.Warn().
			Str("symbol", r.Symbol).
			Str("reason", r.Reason).
			Str("error_type", r.ErrorType).
			Str("tier", tier).
			Msg("skipping symbol")
	}
	if len(removed) > limit {
		log.Warn().
			Int("log_limit", limit).
			Str("tier", tier).
			Msg(fmt.Sprintf("...and %d more symbols removed", len(removed)-limit))
	}
}

type typedError interface {
	ErrorType() string
}

func errorType(err error) string {
	var te typedError
	if errors.As(err, &te) {
		return te.ErrorType()
	}
	return ErrorTypeLookup
}
