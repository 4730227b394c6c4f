package otel

import (
	"context"
	"strconv"
	"sync"

	eventbus "github.com/hanpama/graphqlhttp/internal/eventbus"
	events "github.com/hanpama/graphqlhttp/internal/events"
	reqid "github.com/hanpama/graphqlhttp/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches subscribers to b.
// If endpoint is empty, no telemetry is configured.
func Setup(b *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := Register(b, otel.Tracer("graphqlhttp"))
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Register turns HTTP and operation events published on b into spans.
// Operation spans are children of their HTTP request span.
func Register(b *eventbus.Bus, tracer trace.Tracer) (unsubscribe func()) {
	s := &subscriber{tracer: tracer}
	unsubs := []func(){
		eventbus.SubscribeTo(b, s.httpStart),
		eventbus.SubscribeTo(b, s.httpFinish),
		eventbus.SubscribeTo(b, s.operationStart),
		eventbus.SubscribeTo(b, s.operationFinish),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

type subscriber struct {
	tracer    trace.Tracer
	httpSpans sync.Map // token -> trace.Span
	opSpans   sync.Map // token/index -> trace.Span
}

func opKey(ctx context.Context, index int) string {
	token, _ := reqid.Token(ctx)
	return token + "/" + strconv.Itoa(index)
}

func (s *subscriber) httpStart(ctx context.Context, e events.HTTPStart) {
	rid, _ := reqid.FromContext(ctx)
	_, span := s.tracer.Start(ctx, "http.request", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		semconv.HTTPMethodKey.String(e.Request.Method),
		attribute.String("http.target", e.Request.URL.Path),
		attribute.String("graphql.request_id", rid),
	)
	token, _ := reqid.Token(ctx)
	s.httpSpans.Store(token, span)
}

func (s *subscriber) httpFinish(ctx context.Context, e events.HTTPFinish) {
	token, _ := reqid.Token(ctx)
	v, ok := s.httpSpans.LoadAndDelete(token)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(
		semconv.HTTPStatusCodeKey.Int(e.Status),
		attribute.Int("graphql.batch_size", e.BatchSize),
	)
	if e.Status >= 500 {
		span.SetStatus(codes.Error, "")
	}
	span.End()
}

func (s *subscriber) operationStart(ctx context.Context, e events.OperationStart) {
	token, _ := reqid.Token(ctx)
	parent := ctx
	if v, ok := s.httpSpans.Load(token); ok {
		parent = trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	_, span := s.tracer.Start(parent, "graphql.operation")
	span.SetAttributes(
		attribute.String("graphql.operation.name", e.OperationName),
		attribute.Int("graphql.batch.index", e.Index),
		attribute.Bool("graphql.batch", e.Batch),
	)
	s.opSpans.Store(opKey(ctx, e.Index), span)
}

func (s *subscriber) operationFinish(ctx context.Context, e events.OperationFinish) {
	v, ok := s.opSpans.LoadAndDelete(opKey(ctx, e.Index))
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(
		attribute.String("graphql.operation.type", e.OperationType),
		attribute.Int("graphql.error_count", len(e.Errors)),
		attribute.Bool("graphql.response_cache_hit", e.ResponseCache),
	)
	if e.Failed {
		for _, err := range e.Errors {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, "operation failed")
	}
	span.End()
}
