// Package gateway dispatches tool invocations behind x402 payments. It is
// transport-neutral: the MCP and HTTP servers translate their requests into
// a Call and render the Outcome.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nacorid/x402"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// HandlerFunc performs a tool's side effect. It runs at most once per nonce;
// the nonce is available through NonceFromContext.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Tool is a registered, priced tool.
type Tool struct {
	Name        string
	Description string

	// Validate checks arguments before any challenge is issued. Nil accepts
	// any arguments.
	Validate func(args json.RawMessage) error

	Handler HandlerFunc
}

// NewTool builds a Tool whose arguments decode into T and are checked
// against T's `validate` struct tags. The value fn returns is marshalled to
// JSON as the tool result.
func NewTool[T any, R any](name, description string, fn func(ctx context.Context, args T) (R, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Validate: func(raw json.RawMessage) error {
			_, err := Bind[T](raw)
			return err
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			args, err := Bind[T](raw)
			if err != nil {
				return nil, err
			}
			out, err := fn(ctx, args)
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		},
	}
}

// Bind decodes raw into T and validates it. Unknown fields are rejected.
// Failures wrap x402.ErrValidation.
func Bind[T any](raw json.RawMessage) (T, error) {
	var args T
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, x402.NewInvocationError(x402.ErrCodeValidation, "invalid arguments", err)
	}

	if err := validate.Struct(&args); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// T is not a struct; nothing to check.
			return args, nil
		}
		return args, x402.NewInvocationError(x402.ErrCodeValidation, describe(err), err)
	}
	return args, nil
}

func describe(err error) string {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return "invalid arguments"
	}
	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		switch f.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", f.Field()))
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", f.Field(), f.Tag(), f.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", f.Field(), f.Tag()))
		}
	}
	return "invalid arguments: " + strings.Join(msgs, "; ")
}

type nonceKey struct{}

// WithNonce returns ctx carrying the invocation nonce.
func WithNonce(ctx context.Context, nonce string) context.Context {
	return context.WithValue(ctx, nonceKey{}, nonce)
}

// NonceFromContext returns the nonce of the invocation a handler runs for.
func NonceFromContext(ctx context.Context) (string, bool) {
	nonce, ok := ctx.Value(nonceKey{}).(string)
	return nonce, ok && nonce != ""
}
