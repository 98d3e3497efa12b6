// Package funnel wires typed drafts, their validators and pricing into wizard sessions.
package funnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/evolvecharge/funnel/internal/checkout"
	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/validation"
	"github.com/evolvecharge/funnel/internal/wizard"
)

var (
	// ErrUnknownFlow is returned when a session is requested for an unregistered flow.
	ErrUnknownFlow = errors.New("funnel: unknown flow")
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("funnel: session not found")
	// ErrUnknownList is returned for list operations on a list the flow does not have.
	ErrUnknownList = errors.New("funnel: unknown list")
	// ErrItemNotFound is returned when removing an item that is not in the list.
	ErrItemNotFound = errors.New("funnel: list item not found")
	// ErrListFloor is returned when removing the last item of a list that needs one.
	ErrListFloor = errors.New("funnel: list must keep at least one item")
	// ErrLocked is returned for edits once the draft has been submitted for payment.
	ErrLocked = errors.New("funnel: draft is locked for payment")
	// ErrBusy is returned while an order is being prepared for the session.
	ErrBusy = errors.New("funnel: session is busy preparing the order")
	// ErrNotAtPayment is returned for payment operations before the payment step.
	ErrNotAtPayment = errors.New("funnel: session is not at the payment step")
)

// FieldError reports a value that could not be applied to the draft.
type FieldError struct {
	Path    string
	Message string
}

func (e *FieldError) Error() string { return fmt.Sprintf("funnel: field %s: %s", e.Path, e.Message) }

// FieldUpdate is one edit sent by the client.
type FieldUpdate struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// ListOps adds and removes identified items of a list field.
type ListOps[D any] struct {
	Add    func(d *D, id string) error
	Remove func(d *D, id string) error
}

// Flow configures one funnel: the wizard definition plus how client edits map onto the draft
// and how a finished draft becomes a checkout submission.
type Flow[D any] struct {
	Kind       domain.FlowKind
	Definition wizard.Definition[D]
	Apply      func(d *D, path string, raw json.RawMessage) error
	Lists      map[string]ListOps[D]
	Submit     func(d D, price domain.PricingSummary) checkout.Submission
}

func decodeText(path string, raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &FieldError{Path: path, Message: "expected a string"}
	}
	return validation.CleanText(s), nil
}

func decodeBool(path string, raw json.RawMessage) (bool, error) {
	if isNull(raw) {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, &FieldError{Path: path, Message: "expected true or false"}
	}
	return b, nil
}

// decodeInt accepts a JSON number or a numeric string, as form inputs often send either.
func decodeInt(path string, raw json.RawMessage) (int, error) {
	if isNull(raw) {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
	}
	return 0, &FieldError{Path: path, Message: "expected a whole number"}
}

func decodeAmount(path string, raw json.RawMessage) (float64, error) {
	if isNull(raw) {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, &FieldError{Path: path, Message: "expected an amount"}
		}
		s = strings.TrimPrefix(strings.TrimSpace(s), "$")
		if s == "" {
			return 0, nil
		}
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return 0, &FieldError{Path: path, Message: "expected an amount"}
		}
	}
	// ParseFloat accepts NaN and Inf spellings.
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &FieldError{Path: path, Message: "expected an amount"}
	}
	return f, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

func unknownField(path string) error {
	return &FieldError{Path: path, Message: "unknown field"}
}

// applyContact sets one contact field addressed by name.
func applyContact(c *domain.Contact, path, name string, raw json.RawMessage) error {
	value, err := decodeText(path, raw)
	if err != nil {
		return err
	}
	switch name {
	case "firstName":
		c.FirstName = value
	case "lastName":
		c.LastName = value
	case "email":
		c.Email = strings.ToLower(value)
	case "phone":
		c.Phone = value
	default:
		return unknownField(path)
	}
	return nil
}
