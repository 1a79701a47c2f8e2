// Package transport is the outbound delivery boundary. Adapters turn a
// composed Message into a provider send; everything above treats delivery as a
// single fallible call with no retry of its own (the next scheduler tick is
// the retry).
package transport

import "context"

// Message is a rendered notification payload.
type Message struct {
	Subject string
	Body    string
}

// Recipient addresses a delivery. Address is adapter-specific: an e-mail
// address for the mail sender, a chat ID for the Telegram sender.
type Recipient struct {
	Address string
	Name    string
}

// Sender delivers one message. Implementations must be safe for concurrent
// use and must honor ctx cancellation.
type Sender interface {
	Send(ctx context.Context, to Recipient, msg Message) error
}

// Func adapts a function to the Sender interface; handy in tests.
type Func func(ctx context.Context, to Recipient, msg Message) error

func (f Func) Send(ctx context.Context, to Recipient, msg Message) error {
	return f(ctx, to, msg)
}
