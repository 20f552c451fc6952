package contextkeys

import "context"

type userIDKey struct{}
type chatIDKey struct{}

func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func GetUserID(ctx context.Context) (int64, bool) {
	v := ctx.Value(userIDKey{})
	if v == nil {
		return 0, false
	}
	return v.(int64), true
}

func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, chatIDKey{}, chatID)
}

func GetChatID(ctx context.Context) (int64, bool) {
	v := ctx.Value(chatIDKey{})
	if v == nil {
		return 0, false
	}
	return v.(int64), true
}
