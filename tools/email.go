// Package tools holds the gateway's tool implementations and their MCP
// definitions.
package tools

import (
	"context"
	"fmt"
	"strings"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/gateway"
	"github.com/nacorid/x402/internal/email"
)

// SendEmailDescription is listed for send_email by tools/list.
const SendEmailDescription = "Send an email to the preconfigured recipient(s) (paid)."

// Sender delivers a message. idempotencyKey identifies the invocation so a
// retried send is delivered once.
type Sender interface {
	Send(ctx context.Context, msg email.Message, idempotencyKey string) (string, error)
}

// SendEmailArgs are the arguments of send_email.
type SendEmailArgs struct {
	Subject string `json:"subject" validate:"required,min=1,max=200"`
	Body    string `json:"body" validate:"required,min=1"`
}

// SendEmailResult is returned by send_email.
type SendEmailResult struct {
	ID         string   `json:"id"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Message    string   `json:"message"`
}

// SendEmail returns the send_email tool. Recipients are fixed at
// construction; callers choose only the subject and body.
func SendEmail(name string, sender Sender, recipients []string) (gateway.Tool, error) {
	if sender == nil {
		return gateway.Tool{}, x402.NewInvocationError(x402.ErrCodeConfiguration, "send_email: no sender configured", nil)
	}
	if len(recipients) == 0 {
		return gateway.Tool{}, x402.NewInvocationError(x402.ErrCodeConfiguration, "send_email: RECIPIENT_EMAIL is not set", nil)
	}
	to := append([]string(nil), recipients...)

	return gateway.NewTool(name, SendEmailDescription, func(ctx context.Context, args SendEmailArgs) (SendEmailResult, error) {
		nonce, _ := gateway.NonceFromContext(ctx)
		id, err := sender.Send(ctx, email.Message{
			To:      to,
			Subject: args.Subject,
			Text:    args.Body,
		}, nonce)
		if err != nil {
			return SendEmailResult{}, fmt.Errorf("send email: %w", err)
		}
		return SendEmailResult{
			ID:         id,
			Recipients: to,
			Subject:    args.Subject,
			Message:    fmt.Sprintf("Email queued to %s with subject %q. Provider id: %s.", strings.Join(to, ", "), args.Subject, id),
		}, nil
	}), nil
}

// SendEmailDefinition is the MCP definition of send_email.
func SendEmailDefinition(name string) mcpproto.Tool {
	return mcpproto.NewTool(name,
		mcpproto.WithDescription(SendEmailDescription),
		mcpproto.WithString("subject",
			mcpproto.Required(),
			mcpproto.Description("Subject line"),
			mcpproto.MinLength(1),
			mcpproto.MaxLength(200),
		),
		mcpproto.WithString("body",
			mcpproto.Required(),
			mcpproto.Description("Plain-text body"),
			mcpproto.MinLength(1),
		),
	)
}
