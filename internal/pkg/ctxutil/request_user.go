package ctxutil

import "context"

type requestUserKey struct{}

// RequestData carries the authenticated caller's identity through a
// request-scoped context. Populated by the (out-of-scope) HTTP/auth
// layer before it calls into the job service façade.
type RequestData struct {
	UserID string
}

func WithRequestUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, requestUserKey{}, &RequestData{UserID: userID})
}

// GetRequestData returns the request-scoped caller identity, or nil if
// none was attached to ctx.
func GetRequestData(ctx context.Context) *RequestData {
	val := ctx.Value(requestUserKey{})
	rd, ok := val.(*RequestData)
	if !ok {
		return nil
	}
	return rd
}
