package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidState          = errors.New("invalid cart state")
	ErrUnknownGateway        = errors.New("unknown gateway")
	ErrConfiguration         = errors.New("gateway configuration error")
	ErrUnknownTransaction    = errors.New("unknown transaction")
	ErrIntegrity             = errors.New("notification failed integrity check")
	ErrProviderCommunication = errors.New("provider communication failed")
	ErrCartNotFound          = errors.New("cart not found")

	ErrEmptyCart             = errors.New("cart has no line items")
	ErrInvalidLineItem       = errors.New("invalid line item")
	ErrInvalidAmount         = errors.New("amounts must not be negative")
	ErrMultipleSubscriptions = errors.New("a cart may carry at most one recurring line item")
)

// ConfigurationError names the settings a gateway needs but did not get.
type ConfigurationError struct {
	Gateway string
	Missing []string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: missing required settings: %s", e.Gateway, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Gateway, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

type InvalidStateError struct {
	CartID string
	State  CartState
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s cart %s in state %s", e.Op, e.CartID, e.State)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}
