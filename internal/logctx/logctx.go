package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with request, user and turn attributes carried
// on the context passed to the *Context logging methods.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if ud, ok := ctx.Value(userDataKey{}).(*UserData); ok {
		r.AddAttrs(slog.Group("user",
			slog.String("id", ud.UserID),
			slog.String("provider", ud.SignInProvider),
			slog.String("role", ud.Role),
		))
	}

	if td, ok := ctx.Value(turnDataKey{}).(*TurnData); ok {
		r.AddAttrs(slog.Group("turn",
			slog.String("conversation_id", td.ConversationID),
			slog.String("parent_message_id", td.ParentMessageID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// RequestID returns the id assigned to the inbound request, if any.
func RequestID(ctx context.Context) string {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		return rd.RequestID
	}
	return ""
}

type userDataKey struct{}

type UserData struct {
	UserID         string
	SignInProvider string
	Role           string
}

func WithUserData(ctx context.Context, data *UserData) context.Context {
	return context.WithValue(ctx, userDataKey{}, data)
}

type turnDataKey struct{}

type TurnData struct {
	ConversationID  string
	ParentMessageID string
}

func WithTurnData(ctx context.Context, data *TurnData) context.Context {
	return context.WithValue(ctx, turnDataKey{}, data)
}
