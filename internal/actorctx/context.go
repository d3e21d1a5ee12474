// Package actorctx carries the acting staff member through a request so
// change history can attribute writes.
package actorctx

import "context"

type keyType string

const actorKey keyType = "actor"

// System is the attribution used by scheduler jobs.
const System = "system"

func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func Actor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return System
}
