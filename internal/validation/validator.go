// Package validation checks extracted transactions before they are persisted.
package validation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/store"
)

// Error carries the rule violations of one transaction.
type Error struct {
	TransactionID string
	Violations    []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transaction %q invalid: %s", e.TransactionID, strings.Join(e.Violations, "; "))
}

// DuplicateTransactionError reports an id that is already persisted or repeated in a batch.
type DuplicateTransactionError struct {
	ID string
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("duplicate transaction %q", e.ID)
}

// Options tunes the timestamp window.
type Options struct {
	ClockSkew time.Duration
	Now       func() time.Time
}

// Validator applies field rules, the timestamp window and the constituency reference check.
type Validator struct {
	refs    store.ReferenceStore
	txs     store.TransactionStore
	structs *validator.Validate
	skew    time.Duration
	now     func() time.Time
}

// New returns a Validator. refs resolves constituencies and txs answers duplicate checks.
func New(refs store.ReferenceStore, txs store.TransactionStore, opts Options) *Validator {
	structs := validator.New()
	structs.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{
		refs:    refs,
		txs:     txs,
		structs: structs,
		skew:    opts.ClockSkew,
		now:     now,
	}
}

// Validate returns the violations of tx, empty when it is valid. The error is non-nil
// only when a collaborator lookup fails.
func (v *Validator) Validate(ctx context.Context, tx domain.Transaction) ([]string, error) {
	return v.validate(ctx, tx, make(map[string]lookup))
}

// CheckDuplicate reports whether a transaction with id is already persisted.
func (v *Validator) CheckDuplicate(ctx context.Context, id string) (bool, error) {
	exists, err := v.txs.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("check duplicate %q: %w", id, err)
	}
	return exists, nil
}

// ValidateBatch validates every transaction and returns the violations keyed by index.
// Valid transactions have no entry. Constituency lookups are shared across the batch.
func (v *Validator) ValidateBatch(ctx context.Context, txs []domain.Transaction) (map[int][]string, error) {
	cache := make(map[string]lookup)
	out := make(map[int][]string)
	for i, tx := range txs {
		violations, err := v.validate(ctx, tx, cache)
		if err != nil {
			return nil, err
		}
		if len(violations) > 0 {
			out[i] = violations
		}
	}
	return out, nil
}

type lookup struct {
	constituency domain.Constituency
	found        bool
}

func (v *Validator) validate(ctx context.Context, tx domain.Transaction, cache map[string]lookup) ([]string, error) {
	var violations []string

	if err := v.structs.StructCtx(ctx, tx); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, fmt.Errorf("validate transaction %q: %w", tx.ID, err)
		}
		for _, fe := range fieldErrs {
			violations = append(violations, describe(fe))
		}
	}

	var electionStart time.Time
	if tx.ConstituencyID != "" {
		ref, ok := cache[tx.ConstituencyID]
		if !ok {
			c, err := v.refs.GetConstituency(ctx, tx.ConstituencyID)
			switch {
			case err == nil:
				ref = lookup{constituency: c, found: true}
			case errors.Is(err, store.ErrNotFound):
				ref = lookup{}
			default:
				return nil, fmt.Errorf("lookup constituency %q: %w", tx.ConstituencyID, err)
			}
			cache[tx.ConstituencyID] = ref
		}
		switch {
		case !ref.found:
			violations = append(violations, fmt.Sprintf("constituencyId %q does not reference a known constituency", tx.ConstituencyID))
		case ref.constituency.ElectionStart.IsZero():
			violations = append(violations, fmt.Sprintf("constituency %q has no election start", tx.ConstituencyID))
		}
		electionStart = ref.constituency.ElectionStart
	}

	if !tx.Timestamp.IsZero() {
		latest := v.now().Add(v.skew)
		if tx.Timestamp.After(latest) {
			violations = append(violations, fmt.Sprintf("timestamp %s is after %s", tx.Timestamp.Format(time.RFC3339), latest.UTC().Format(time.RFC3339)))
		}
		if !electionStart.IsZero() {
			earliest := electionStart.Add(-v.skew)
			if tx.Timestamp.Before(earliest) {
				violations = append(violations, fmt.Sprintf("timestamp %s is before election start window %s", tx.Timestamp.Format(time.RFC3339), earliest.UTC().Format(time.RFC3339)))
			}
		}
	}
	return violations, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fmt.Sprint(fe.Value()))
	case "min":
		return fmt.Sprintf("%s must contain at least %s item(s)", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
