package supercutv1

import (
	"context"
)

type (
	clientContextKeyType struct{}
)

var clientContextKey clientContextKeyType

func ContextWithClient(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, clientContextKey, client)
}

func ClientFromContext(ctx context.Context) (*Client, bool) {
	client, ok := ctx.Value(clientContextKey).(*Client)
	return client, ok
}
