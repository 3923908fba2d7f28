package logger

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type for the context keys
type contextKeyConnectionLoggerType struct{}

var contextKeyConnectionLogger = &contextKeyConnectionLoggerType{}

const connectionIDLoggerKey string = "connectionID"

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	logrus.SetFormatter(customFormatter)
	customFormatter.FullTimestamp = true
	logrus.SetLevel(logLevel)
}

// AddConnectionID adds a logger with a new connection ID if no logger exists yet
// for the request context.
func AddConnectionID(router *mux.Router) {

	connID := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	router.Use(connID)
}

// Default returns a logger without a connection ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context with a logger if the given context has
// no logger yet. If the context already has a logger the given context will be
// returned.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else {
		clog := loggerFromContext(ctx)
		if clog != nil {
			return ctx, clog
		}
	}
	id, _ := uuid.NewUUID()
	clog := logrus.WithField(connectionIDLoggerKey, id.String())
	return context.WithValue(ctx, contextKeyConnectionLogger, clog), clog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	clog, ok := ctx.Value(contextKeyConnectionLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return clog
}

// FromContext returns the logger from the context. If the context does not have
// a logger a new logger is returned. If the provided context is nil, the default
// logger will be returned.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	clog := loggerFromContext(ctx)
	if clog == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return clog
}
