package paas

import "context"

type clientKey struct{}

// WithClient attaches the audit client so runs started from cron or a request can
// log without holding a reference to it. A nil client leaves ctx unchanged.
func WithClient(ctx context.Context, c *Client) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clientKey{}, c)
}

func ClientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(clientKey{}).(*Client)
	return c
}
