package shared

import "context"

type actorContextKey struct{}

// SystemActor identifies work started by jobs rather than a user.
const SystemActor = "system/job"

// ContextWithActor stores the acting identity in context.
func ContextWithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the acting identity, defaulting to the system actor.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	if actor == "" {
		return SystemActor
	}
	return actor
}
