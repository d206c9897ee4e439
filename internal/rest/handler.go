// Package rest provides the HTTP/JSON API for runledger.
//
// It wraps the gRPC CreditService so HTTP and gRPC callers share one
// implementation: the Authorization header is forwarded as gRPC metadata
// and gRPC status codes are mapped back onto HTTP statuses. The payment
// provider webhook is served here only, since it is signed over the raw
// body.
//
// Endpoints:
//
//	POST   /credits/estimate      - Quote a run
//	POST   /credits/spend         - Debit a run
//	POST   /credits/correct       - Reconcile a run with actual usage
//	GET    /credits/balance       - Pools, total, expiries, throttle state
//	GET    /credits/history       - Transaction log, newest first
//	POST   /credits/accounts      - Create an account (service key)
//	POST   /credits/purchases     - Start a credit pack purchase
//	POST   /credits/subscription  - Start a subscription checkout
//	DELETE /credits/subscription  - Cancel at period end
//	POST   /webhooks/stripe       - Payment provider events
//	GET    /health                - Liveness
//	GET    /ready                 - Readiness (store ping)
//	GET    /metrics               - Prometheus metrics
package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/runledger/internal/api"
	"github.com/kelpejol/runledger/internal/webhook"
)

// maxWebhookBody caps provider payloads.
const maxWebhookBody = 64 << 10

// ReadinessCheck reports whether the service can take traffic.
type ReadinessCheck func(ctx context.Context) error

// Handler provides the REST API endpoints.
type Handler struct {
	svc        api.CreditServiceServer
	reconciler *webhook.Reconciler
	ready      ReadinessCheck
	log        zerolog.Logger
}

// NewHandler creates a REST handler over svc. reconciler and ready may be
// nil; the webhook route then answers 503 and /ready always succeeds.
func NewHandler(svc api.CreditServiceServer, reconciler *webhook.Reconciler, ready ReadinessCheck, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:        svc,
		reconciler: reconciler,
		ready:      ready,
		log:        logger.With().Str("component", "rest_handler").Logger(),
	}
}

// Router builds the gin engine with every route and middleware attached.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), LoggingMiddleware(h.log), CORS())
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all REST API routes on r.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/credits/estimate", h.call((api.CreditServiceServer).Estimate))
	r.POST("/credits/spend", h.call((api.CreditServiceServer).Spend))
	r.POST("/credits/correct", h.call((api.CreditServiceServer).Correct))
	r.GET("/credits/balance", h.query((api.CreditServiceServer).GetBalance))
	r.GET("/credits/history", h.query((api.CreditServiceServer).ListHistory))
	r.POST("/credits/accounts", h.call((api.CreditServiceServer).CreateAccount))
	r.POST("/credits/purchases", h.call((api.CreditServiceServer).CreatePurchase))
	r.POST("/credits/subscription", h.call((api.CreditServiceServer).StartSubscription))
	r.DELETE("/credits/subscription", h.query((api.CreditServiceServer).CancelSubscription))

	r.POST("/webhooks/stripe", h.handleStripeWebhook)

	r.GET("/health", h.handleHealth)
	r.GET("/ready", h.handleReady)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

type method func(api.CreditServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// queryFields are the URL parameters forwarded on GET and DELETE routes.
var queryFields = []string{"account_id", "type", "limit", "offset"}

// call serves a route whose request is the JSON body.
func (h *Handler) call(m method) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			h.writeError(c, http.StatusBadRequest, "Invalid body: "+err.Error())
			return
		}
		req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
		if len(body) > 0 {
			if err := req.UnmarshalJSON(body); err != nil {
				h.writeError(c, http.StatusBadRequest, "Invalid JSON: "+err.Error())
				return
			}
		}
		h.invoke(c, m, req)
	}
}

// query serves a route whose request is taken from the URL.
func (h *Handler) query(m method) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
		for _, k := range queryFields {
			if v, ok := c.GetQuery(k); ok {
				req.Fields[k] = structpb.NewStringValue(v)
			}
		}
		h.invoke(c, m, req)
	}
}

func (h *Handler) invoke(c *gin.Context, m method, req *structpb.Struct) {
	resp, err := m(h.svc, contextWithAuth(c), req)
	if err != nil {
		h.handleGRPCError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.AsMap())
}

// handleStripeWebhook handles POST /webhooks/stripe. Rejected deliveries
// answer 400 so the provider stops retrying them; any other failure answers
// 500 so it retries.
func (h *Handler) handleStripeWebhook(c *gin.Context) {
	if h.reconciler == nil {
		h.writeError(c, http.StatusServiceUnavailable, "webhooks are not configured")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(c, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.writeError(c, http.StatusBadRequest, "Invalid body: "+err.Error())
		return
	}

	outcome, err := h.reconciler.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if webhook.IsRejected(err) {
			h.writeError(c, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("webhook processing failed")
		h.writeError(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": string(outcome)})
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// handleReady handles GET /ready
func (h *Handler) handleReady(c *gin.Context) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.log.Warn().Err(err).Msg("readiness check failed")
			h.writeError(c, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	c.String(http.StatusOK, "ready")
}

// contextWithAuth creates a context with auth metadata from HTTP headers.
func contextWithAuth(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", authHeader))
	}
	return ctx
}

// httpStatus maps a gRPC code onto the HTTP status callers expect.
func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.FailedPrecondition:
		return http.StatusPaymentRequired
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.OutOfRange:
		return http.StatusRequestEntityTooLarge
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	}
	return http.StatusInternalServerError
}

// handleGRPCError converts gRPC errors to HTTP errors.
func (h *Handler) handleGRPCError(c *gin.Context, err error) {
	st := status.Convert(err)
	statusCode := httpStatus(st.Code())

	if statusCode == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	ev := h.log.Debug()
	if statusCode >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).Int("status", statusCode).Msg("REST API error")
	h.writeError(c, statusCode, st.Message())
}

// writeError writes a JSON error response.
func (h *Handler) writeError(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, gin.H{
		"error": gin.H{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}
