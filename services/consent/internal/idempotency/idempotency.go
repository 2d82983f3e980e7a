// Package idempotency replays stored responses for creation endpoints when
// the client retries with the same Idempotency-Key. The workflow endpoints
// do not use it: their idempotency is domain-level ("already withdrawn",
// "already pending", "already processed").
package idempotency

import "context"

type ActorContext struct {
	UserID         string
	IdempotencyKey string
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, userID, idempotencyKey, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, userID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error
}

func Replay(ctx context.Context, st Store, actor ActorContext, endpoint string) (int, map[string]any, bool, error) {
	if actor.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, actor.UserID, actor.IdempotencyKey, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

func Save(ctx context.Context, st Store, actor ActorContext, endpoint string, status int, response map[string]any) error {
	if actor.IdempotencyKey == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, actor.UserID, actor.IdempotencyKey, endpoint, status, response)
}
