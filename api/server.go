// Package api is the HTTP surface of the course shop. It serves API Gateway
// REST proxy events from Lambda through a gorilla/mux router: bearer-token
// and admin middleware, CORS for the configured frontend, and mapping of
// domain errors to status codes.
package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/awslabs/aws-lambda-go-api-proxy/core"
	"github.com/awslabs/aws-lambda-go-api-proxy/gorillamux"
	"github.com/gorilla/mux"
	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/enrollment"
	"github.com/gurre/courseshop/identity"
	"github.com/gurre/courseshop/payments"
	"github.com/gurre/courseshop/uploads"
	"github.com/gurre/courseshop/users"
	"go.uber.org/zap"
)

// Identity signs users up and in and verifies access tokens.
type Identity interface {
	SignUp(ctx context.Context, in identity.SignUpInput) (identity.SignUpResult, error)
	SignIn(ctx context.Context, in identity.SignInInput) (identity.Tokens, error)
	Verify(ctx context.Context, accessToken string) (identity.Principal, error)
}

// Profiles loads user profile rows and creates the ones a sign-up failed to
// write.
type Profiles interface {
	Get(ctx context.Context, id string) (users.User, error)
	Create(ctx context.Context, id, email, name string) (users.User, error)
}

// Catalog is the course store.
type Catalog interface {
	Get(ctx context.Context, id string) (catalog.Course, error)
	List(ctx context.Context) ([]catalog.Course, error)
	ListByInstructor(ctx context.Context, instructor string) ([]catalog.Course, error)
	Create(ctx context.Context, in catalog.Input) (catalog.Course, error)
	Update(ctx context.Context, id string, in catalog.Input) (catalog.Course, error)
	Delete(ctx context.Context, id string) error
}

// Uploads issues and attaches course content uploads.
type Uploads interface {
	Presign(ctx context.Context, in uploads.PresignInput) (uploads.Presigned, error)
	Attach(ctx context.Context, courseID, key string) (catalog.Course, error)
}

// Payments starts payments and verifies webhooks.
type Payments interface {
	CreatePaymentIntent(ctx context.Context, userID string, course catalog.Course) (payments.Intent, error)
	CreateCheckoutSession(ctx context.Context, userID string, course catalog.Course) (payments.Checkout, error)
	ParseWebhook(payload []byte, signature string) (payments.WebhookEvent, error)
}

// Enrollments confirms purchases and lists a user's courses.
type Enrollments interface {
	Get(ctx context.Context, userID, courseID string) (enrollment.Enrollment, error)
	Confirm(ctx context.Context, in enrollment.ConfirmInput) (enrollment.Enrollment, bool, error)
	ListByUser(ctx context.Context, userID string) ([]enrollment.Enrollment, error)
}

// Deps are the services behind the routes.
type Deps struct {
	Identity    Identity
	Profiles    Profiles
	Catalog     Catalog
	Uploads     Uploads
	Payments    Payments
	Enrollments Enrollments
}

// Server adapts proxy events to the router.
type Server struct {
	deps        Deps
	router      *mux.Router
	adapter     *gorillamux.GorillaMuxAdapter
	logger      *zap.Logger
	frontendURL string
	now         func() time.Time
}

// New creates a Server with every route registered. frontendURL is the only
// origin allowed by CORS.
func New(deps Deps, logger *zap.Logger, frontendURL string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:        deps,
		router:      mux.NewRouter(),
		logger:      logger,
		frontendURL: frontendURL,
		now:         time.Now,
	}
	s.routes()
	s.adapter = gorillamux.New(s.router)
	return s
}

func (s *Server) routes() {
	r := s.router
	r.NotFoundHandler = s.handle(func(w http.ResponseWriter, r *http.Request) error {
		return errRouteNotFound
	})
	r.MethodNotAllowedHandler = s.handle(func(w http.ResponseWriter, r *http.Request) error {
		return errMethodNotAllowed
	})

	r.Handle("/auth/signup", s.handle(s.signUp)).Methods(http.MethodPost)
	r.Handle("/auth/signin", s.handle(s.signIn)).Methods(http.MethodPost)
	r.Handle("/courses", s.handle(s.listCourses)).Methods(http.MethodGet)
	r.Handle("/courses/{id}", s.handle(s.getCourse)).Methods(http.MethodGet)
	r.Handle("/payments/webhook", s.handle(s.stripeWebhook)).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.requireAuth)
	authed.Handle("/me", s.handle(s.me)).Methods(http.MethodGet)
	authed.Handle("/enrollments", s.handle(s.listEnrollments)).Methods(http.MethodGet)
	authed.Handle("/payments/intent", s.handle(s.createIntent)).Methods(http.MethodPost)
	authed.Handle("/payments/checkout", s.handle(s.createCheckout)).Methods(http.MethodPost)
	authed.Handle("/payments/confirm", s.handle(s.confirmPayment)).Methods(http.MethodPost)

	admin := authed.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.Handle("/courses", s.handle(s.createCourse)).Methods(http.MethodPost)
	admin.Handle("/courses/{id}", s.handle(s.updateCourse)).Methods(http.MethodPut)
	admin.Handle("/courses/{id}", s.handle(s.deleteCourse)).Methods(http.MethodDelete)
	admin.Handle("/courses/{id}/contents", s.handle(s.attachContent)).Methods(http.MethodPost)
	admin.Handle("/upload", s.handle(s.presignUpload)).Methods(http.MethodPost)
}

type ctxKey int

const (
	requestKey ctxKey = iota
	callerKey
)

// requestInfo carries the per-event logger into handlers.
type requestInfo struct {
	id  string
	log *zap.Logger
}

func (s *Server) infoFor(r *http.Request) requestInfo {
	if info, ok := r.Context().Value(requestKey).(requestInfo); ok {
		return info
	}
	return requestInfo{log: s.logger}
}

// handlerFunc is a route handler whose error is rendered by handle.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.fail(w, r, err)
		}
	})
}

// Handle is the Lambda entry point. Failures are always rendered as HTTP
// responses; the returned error is reserved for the runtime.
func (s *Server) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (resp events.APIGatewayProxyResponse, err error) {
	start := s.now()
	requestID := event.RequestContext.RequestID
	log := s.logger.With(
		zap.String("method", event.HTTPMethod),
		zap.String("path", event.Path),
		zap.String("request_id", requestID),
	)
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		log = log.With(zap.String("aws_request_id", lc.AwsRequestID))
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("handler panicked", zap.Any("panic", p), zap.Stack("stack"))
			resp = s.errorResponse(log, requestID, fmt.Errorf("panic: %v", p))
		}
		resp.Headers = s.withCORS(resp.Headers)
		log.Info("request",
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", s.now().Sub(start)),
		)
	}()

	if event.HTTPMethod == http.MethodOptions {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
	}

	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return s.errorResponse(log, requestID, fmt.Errorf("%w: body is not valid base64", errBadRequest)), nil
		}
		event.Body = string(decoded)
		event.IsBase64Encoded = false
	}
	if len(event.Path) > 1 {
		event.Path = "/" + strings.Trim(event.Path, "/")
	}

	ctx = context.WithValue(ctx, requestKey, requestInfo{id: requestID, log: log})
	sw, err := s.adapter.ProxyWithContext(ctx, *core.NewSwitchableAPIGatewayRequestV1(&event))
	if err != nil {
		return s.errorResponse(log, requestID, err), nil
	}
	return *sw.Version1(), nil
}

func (s *Server) withCORS(h map[string]string) map[string]string {
	if h == nil {
		h = make(map[string]string)
	}
	if s.frontendURL != "" {
		h["Access-Control-Allow-Origin"] = s.frontendURL
		h["Vary"] = "Origin"
	}
	h["Access-Control-Allow-Headers"] = "Authorization, Content-Type, Stripe-Signature"
	h["Access-Control-Allow-Methods"] = "GET, POST, PUT, DELETE, OPTIONS"
	h["Access-Control-Max-Age"] = "600"
	return h
}
