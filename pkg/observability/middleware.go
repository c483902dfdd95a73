package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/capwire/capwire-go/pkg/connection"
	"github.com/capwire/capwire-go/pkg/protocol"
)

// TracingMiddleware wraps incoming request handlers in server spans. Handler
// errors become span errors; the span name carries the method.
func TracingMiddleware(tp *TracingProvider) connection.Middleware {
	return func(method string, next connection.RequestHandler) connection.RequestHandler {
		return func(ctx context.Context, req *protocol.Request) (interface{}, error) {
			ctx, span := tp.StartMethodSpan(ctx, method, trace.SpanKindServer)
			defer span.End()

			if req.ID != nil {
				span.SetAttributes(attribute.String("rpc.request.id", fmt.Sprintf("%v", req.ID)))
			}

			result, err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return result, err
		}
	}
}
