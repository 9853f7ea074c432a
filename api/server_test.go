package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	json "github.com/goccy/go-json"
	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/enrollment"
	"github.com/gurre/courseshop/identity"
	"github.com/gurre/courseshop/payments"
	"github.com/gurre/courseshop/uploads"
	"github.com/gurre/courseshop/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeIdentity struct{}

func (fakeIdentity) SignUp(ctx context.Context, in identity.SignUpInput) (identity.SignUpResult, error) {
	if in.Email == "taken@example.com" {
		return identity.SignUpResult{}, identity.ErrUserExists
	}
	return identity.SignUpResult{UserID: "new", Confirmed: true}, nil
}

func (fakeIdentity) SignIn(ctx context.Context, in identity.SignInInput) (identity.Tokens, error) {
	return identity.Tokens{}, identity.ErrInvalidCredentials
}

func (fakeIdentity) Verify(ctx context.Context, token string) (identity.Principal, error) {
	switch token {
	case "student-token":
		return identity.Principal{Subject: "student"}, nil
	case "admin-token":
		return identity.Principal{Subject: "admin"}, nil
	case "orphan-token":
		return identity.Principal{Subject: "orphan", Email: "orphan@example.com"}, nil
	}
	return identity.Principal{}, identity.ErrInvalidToken
}

type fakeProfiles struct {
	rows    map[string]users.User
	created []string
	// raced makes Create lose to a concurrent writer.
	raced bool
}

func (f *fakeProfiles) Get(ctx context.Context, id string) (users.User, error) {
	u, ok := f.rows[id]
	if !ok {
		return users.User{}, users.ErrNotFound
	}
	return u, nil
}

func (f *fakeProfiles) Create(ctx context.Context, id, email, name string) (users.User, error) {
	u := users.User{ID: id, Email: email, Role: users.RoleStudent, SubscriptionStatus: users.StatusNone}
	f.rows[id] = u
	if f.raced {
		return users.User{}, users.ErrExists
	}
	f.created = append(f.created, id)
	return u, nil
}

type fakeCatalog struct {
	created []catalog.Input
	failing error
}

func (f *fakeCatalog) Get(ctx context.Context, id string) (catalog.Course, error) {
	if id == "c1" {
		return catalog.Course{ID: "c1", Title: "Go", Price: 4900}, nil
	}
	return catalog.Course{}, catalog.ErrNotFound
}

func (f *fakeCatalog) List(ctx context.Context) ([]catalog.Course, error) {
	if f.failing != nil {
		return nil, f.failing
	}
	return []catalog.Course{{ID: "c1"}, {ID: "c2"}}, nil
}

func (f *fakeCatalog) ListByInstructor(ctx context.Context, instructor string) ([]catalog.Course, error) {
	return []catalog.Course{{ID: "c1", Instructor: instructor}}, nil
}

func (f *fakeCatalog) Create(ctx context.Context, in catalog.Input) (catalog.Course, error) {
	f.created = append(f.created, in)
	return catalog.Course{ID: "c9", Title: in.Title}, nil
}

func (f *fakeCatalog) Update(ctx context.Context, id string, in catalog.Input) (catalog.Course, error) {
	return catalog.Course{ID: id, Title: in.Title}, nil
}

func (f *fakeCatalog) Delete(ctx context.Context, id string) error {
	if id != "c1" {
		return catalog.ErrNotFound
	}
	return nil
}

type fakeUploads struct{}

func (fakeUploads) Presign(ctx context.Context, in uploads.PresignInput) (uploads.Presigned, error) {
	return uploads.Presigned{URL: "https://upload", Key: "courses/" + in.CourseID + "/x"}, nil
}

func (fakeUploads) Attach(ctx context.Context, courseID, key string) (catalog.Course, error) {
	return catalog.Course{}, uploads.ErrTooLarge
}

type fakePayments struct {
	event payments.WebhookEvent
	err   error
}

func (f *fakePayments) CreatePaymentIntent(ctx context.Context, userID string, c catalog.Course) (payments.Intent, error) {
	return payments.Intent{PaymentRef: "pi_" + userID + "_" + c.ID, ClientSecret: "secret"}, nil
}

func (f *fakePayments) CreateCheckoutSession(ctx context.Context, userID string, c catalog.Course) (payments.Checkout, error) {
	return payments.Checkout{SessionID: "cs_1", URL: "https://checkout"}, nil
}

func (f *fakePayments) ParseWebhook(payload []byte, signature string) (payments.WebhookEvent, error) {
	if signature != "good" {
		return payments.WebhookEvent{}, payments.ErrInvalidSignature
	}
	return f.event, f.err
}

type fakeEnrollments struct {
	confirmed []enrollment.ConfirmInput
	existing  map[string]bool
	err       error
	getErr    error
}

func (f *fakeEnrollments) Get(ctx context.Context, userID, courseID string) (enrollment.Enrollment, error) {
	if f.getErr != nil {
		return enrollment.Enrollment{}, f.getErr
	}
	if !f.existing[userID+"/"+courseID] {
		return enrollment.Enrollment{}, enrollment.ErrNotFound
	}
	return enrollment.Enrollment{UserID: userID, CourseID: courseID, EnrollmentID: "e1"}, nil
}

func (f *fakeEnrollments) Confirm(ctx context.Context, in enrollment.ConfirmInput) (enrollment.Enrollment, bool, error) {
	f.confirmed = append(f.confirmed, in)
	if f.err != nil {
		return enrollment.Enrollment{}, false, f.err
	}
	k := in.UserID + "/" + in.CourseID
	isNew := !f.existing[k]
	f.existing[k] = true
	return enrollment.Enrollment{UserID: in.UserID, CourseID: in.CourseID, EnrollmentID: "e1"}, isNew, nil
}

func (f *fakeEnrollments) ListByUser(ctx context.Context, userID string) ([]enrollment.Enrollment, error) {
	return []enrollment.Enrollment{{UserID: userID, CourseID: "c1"}}, nil
}

type testServer struct {
	*Server
	profiles    *fakeProfiles
	catalog     *fakeCatalog
	payments    *fakePayments
	enrollments *fakeEnrollments
	logs        *observer.ObservedLogs
}

func newTestServer() *testServer {
	core, logs := observer.New(zap.DebugLevel)
	profiles := &fakeProfiles{rows: map[string]users.User{
		"student": {ID: "student", Role: users.RoleStudent},
		"admin":   {ID: "admin", Role: users.RoleAdmin},
	}}
	ts := &testServer{
		profiles:    profiles,
		catalog:     &fakeCatalog{},
		payments:    &fakePayments{},
		enrollments: &fakeEnrollments{existing: map[string]bool{}},
		logs:        logs,
	}
	ts.Server = New(Deps{
		Identity:    fakeIdentity{},
		Profiles:    ts.profiles,
		Catalog:     ts.catalog,
		Uploads:     fakeUploads{},
		Payments:    ts.payments,
		Enrollments: ts.enrollments,
	}, zap.New(core), "https://shop.example.com")
	return ts
}

func request(method, path, token, body string) events.APIGatewayProxyRequest {
	req := events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{},
		Body:       body,
	}
	req.RequestContext.RequestID = "req-123"
	if token != "" {
		req.Headers["authorization"] = "Bearer " + token
	}
	return req
}

func (ts *testServer) do(t *testing.T, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	t.Helper()
	resp, err := ts.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	return resp
}

func errorOf(t *testing.T, resp events.APIGatewayProxyResponse) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		t.Fatalf("invalid error body %q: %v", resp.Body, err)
	}
	return body
}

func TestRouting(t *testing.T) {
	ts := newTestServer()

	tests := []struct {
		name   string
		req    events.APIGatewayProxyRequest
		status int
	}{
		{"list courses", request(http.MethodGet, "/courses", "", ""), http.StatusOK},
		{"trailing slash", request(http.MethodGet, "/courses/", "", ""), http.StatusOK},
		{"get course", request(http.MethodGet, "/courses/c1", "", ""), http.StatusOK},
		{"missing course", request(http.MethodGet, "/courses/zz", "", ""), http.StatusNotFound},
		{"unknown route", request(http.MethodGet, "/nope", "", ""), http.StatusNotFound},
		{"wrong method", request(http.MethodDelete, "/courses", "", ""), http.StatusMethodNotAllowed},
		{"preflight", request(http.MethodOptions, "/admin/courses", "", ""), http.StatusNoContent},
		{"signup conflict", request(http.MethodPost, "/auth/signup", "", `{"email":"taken@example.com"}`), http.StatusConflict},
		{"signup created", request(http.MethodPost, "/auth/signup", "", `{"email":"ada@example.com"}`), http.StatusCreated},
		{"signin rejected", request(http.MethodPost, "/auth/signin", "", `{"email":"a@b.c","password":"x"}`), http.StatusUnauthorized},
		{"bad json", request(http.MethodPost, "/auth/signup", "", `{`), http.StatusBadRequest},
		{"empty body", request(http.MethodPost, "/auth/signin", "", ``), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.req)
			if resp.StatusCode != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, resp.StatusCode, resp.Body)
			}
			if got := resp.Headers["Access-Control-Allow-Origin"]; got != "https://shop.example.com" {
				t.Errorf("expected CORS origin on every response, got %q", got)
			}
		})
	}
}

func TestListCoursesByInstructor(t *testing.T) {
	ts := newTestServer()
	req := request(http.MethodGet, "/courses", "", "")
	req.QueryStringParameters = map[string]string{"instructor": "grace"}

	resp := ts.do(t, req)
	var got []catalog.Course
	if err := json.Unmarshal([]byte(resp.Body), &got); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if len(got) != 1 || got[0].Instructor != "grace" {
		t.Errorf("expected instructor filter to be used, got %+v", got)
	}
}

func TestAdminGuards(t *testing.T) {
	ts := newTestServer()
	body := `{"title":"Go","instructor":"ada","level":"beginner","price":100}`

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"invalid token", "forged", http.StatusUnauthorized},
		{"no profile", "orphan-token", http.StatusForbidden},
		{"student", "student-token", http.StatusForbidden},
		{"admin", "admin-token", http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, request(http.MethodPost, "/admin/courses", tt.token, body))
			if resp.StatusCode != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, resp.StatusCode, resp.Body)
			}
		})
	}
	if len(ts.catalog.created) != 1 {
		t.Errorf("only the admin request may reach the store, got %d creates", len(ts.catalog.created))
	}

	for _, route := range []struct{ method, path string }{
		{http.MethodPut, "/admin/courses/c1"},
		{http.MethodDelete, "/admin/courses/c1"},
		{http.MethodPost, "/admin/upload"},
		{http.MethodPost, "/admin/courses/c1/contents"},
	} {
		resp := ts.do(t, request(route.method, route.path, "student-token", `{}`))
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s %s: expected 403 for student, got %d", route.method, route.path, resp.StatusCode)
		}
	}
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer()

	resp := ts.do(t, request(http.MethodDelete, "/admin/courses/c1", "admin-token", ""))
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp = ts.do(t, request(http.MethodDelete, "/admin/courses/c2", "admin-token", ""))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing: expected 404, got %d", resp.StatusCode)
	}
	resp = ts.do(t, request(http.MethodPost, "/admin/upload", "admin-token", `{"courseId":"c1","fileName":"a.pdf"}`))
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Body, "courses/c1/x") {
		t.Errorf("upload: unexpected response %d %s", resp.StatusCode, resp.Body)
	}
	resp = ts.do(t, request(http.MethodPost, "/admin/courses/c1/contents", "admin-token", `{"key":"courses/c1/x"}`))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("attach: expected 413, got %d", resp.StatusCode)
	}
}

func TestServerErrorsAreNotEchoed(t *testing.T) {
	ts := newTestServer()
	ts.catalog.failing = fmt.Errorf("failed to scan courses: %w", errors.New("arn:aws:dynamodb:secret-table AccessDenied"))

	resp := ts.do(t, request(http.MethodGet, "/courses", "", ""))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	body := errorOf(t, resp)
	if strings.Contains(resp.Body, "secret-table") {
		t.Errorf("internal error leaked to client: %s", resp.Body)
	}
	if body.RequestID != "req-123" {
		t.Errorf("expected request id in body, got %+v", body)
	}
	if ts.logs.FilterMessage("request failed").Len() != 1 {
		t.Error("expected the underlying error to be logged")
	}
}

func TestClientErrorsCarryMessage(t *testing.T) {
	ts := newTestServer()
	resp := ts.do(t, request(http.MethodGet, "/courses/zz", "", ""))
	if body := errorOf(t, resp); body.Error != catalog.ErrNotFound.Error() {
		t.Errorf("expected domain message, got %+v", body)
	}
}

func TestConfirmPayment(t *testing.T) {
	ts := newTestServer()
	body := `{"paymentRef":"pi_1","courseId":"c1","userId":"someone-else"}`

	resp := ts.do(t, request(http.MethodPost, "/payments/confirm", "student-token", body))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, resp.Body)
	}
	resp = ts.do(t, request(http.MethodPost, "/payments/confirm", "student-token", body))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("replay: expected 200, got %d", resp.StatusCode)
	}
	if got := ts.enrollments.confirmed[0].UserID; got != "student" {
		t.Errorf("buyer must be the caller, got %q", got)
	}

	resp = ts.do(t, request(http.MethodPost, "/payments/confirm", "", body))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous confirm: expected 401, got %d", resp.StatusCode)
	}

	ts.enrollments.err = enrollment.ErrPaymentNotSucceeded
	resp = ts.do(t, request(http.MethodPost, "/payments/confirm", "student-token", body))
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("unpaid: expected 402, got %d", resp.StatusCode)
	}
}

func TestCreateIntent(t *testing.T) {
	ts := newTestServer()
	resp := ts.do(t, request(http.MethodPost, "/payments/intent", "student-token", `{"courseId":"c1"}`))
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Body, "pi_student_c1") {
		t.Errorf("unexpected response %d %s", resp.StatusCode, resp.Body)
	}
	resp = ts.do(t, request(http.MethodPost, "/payments/checkout", "student-token", `{}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing course id: expected 400, got %d", resp.StatusCode)
	}
}

func TestStripeWebhook(t *testing.T) {
	webhookReq := func(sig string) events.APIGatewayProxyRequest {
		req := request(http.MethodPost, "/payments/webhook", "", `{"id":"evt_1"}`)
		if sig != "" {
			req.Headers["Stripe-Signature"] = sig
		}
		return req
	}

	t.Run("confirms successful payment", func(t *testing.T) {
		ts := newTestServer()
		ts.payments.event = payments.WebhookEvent{ID: "evt_1", Handled: true, Succeeded: true, Ref: "pi_1", UserID: "u1", CourseID: "c1"}
		resp := ts.do(t, webhookReq("good"))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if len(ts.enrollments.confirmed) != 1 || ts.enrollments.confirmed[0].UserID != "u1" {
			t.Errorf("expected confirmation for u1, got %+v", ts.enrollments.confirmed)
		}
	})

	t.Run("ignores unhandled events", func(t *testing.T) {
		ts := newTestServer()
		ts.payments.event = payments.WebhookEvent{ID: "evt_2", Type: "customer.created"}
		if resp := ts.do(t, webhookReq("good")); resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
		if len(ts.enrollments.confirmed) != 0 {
			t.Error("unhandled event must not confirm")
		}
	})

	t.Run("acknowledges permanent failures", func(t *testing.T) {
		ts := newTestServer()
		ts.payments.event = payments.WebhookEvent{Handled: true, Succeeded: true, Ref: "pi_1", UserID: "u1", CourseID: "gone"}
		ts.enrollments.err = catalog.ErrNotFound
		if resp := ts.do(t, webhookReq("good")); resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
	})

	t.Run("retries transient failures", func(t *testing.T) {
		ts := newTestServer()
		ts.payments.event = payments.WebhookEvent{Handled: true, Succeeded: true, Ref: "pi_1", UserID: "u1", CourseID: "c1"}
		ts.enrollments.err = errors.New("dynamodb unavailable")
		if resp := ts.do(t, webhookReq("good")); resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", resp.StatusCode)
		}
	})

	t.Run("rejects bad signatures", func(t *testing.T) {
		ts := newTestServer()
		for _, sig := range []string{"", "bad"} {
			if resp := ts.do(t, webhookReq(sig)); resp.StatusCode != http.StatusBadRequest {
				t.Errorf("signature %q: expected 400, got %d", sig, resp.StatusCode)
			}
		}
	})
}

func TestBase64Body(t *testing.T) {
	ts := newTestServer()
	req := request(http.MethodPost, "/auth/signup", "", base64.StdEncoding.EncodeToString([]byte(`{"email":"taken@example.com"}`)))
	req.IsBase64Encoded = true
	if resp := ts.do(t, req); resp.StatusCode != http.StatusConflict {
		t.Errorf("expected decoded body to reach the handler, got %d", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	ts := newTestServer()
	ts.router.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}).Methods(http.MethodGet)
	resp := ts.do(t, request(http.MethodGet, "/boom", "", ""))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
	if resp.Headers["Access-Control-Allow-Origin"] == "" {
		t.Error("CORS headers missing on recovered response")
	}
}

func TestMeAndEnrollments(t *testing.T) {
	ts := newTestServer()

	resp := ts.do(t, request(http.MethodGet, "/me", "admin-token", ""))
	var u users.User
	if err := json.Unmarshal([]byte(resp.Body), &u); err != nil || u.ID != "admin" || u.Role != users.RoleAdmin {
		t.Errorf("unexpected profile %s (%v)", resp.Body, err)
	}

	resp = ts.do(t, request(http.MethodGet, "/enrollments", "student-token", ""))
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Body, `"userId":"student"`) {
		t.Errorf("unexpected enrollments %d %s", resp.StatusCode, resp.Body)
	}
}

func TestMissingProfileIsCreated(t *testing.T) {
	ts := newTestServer()

	resp := ts.do(t, request(http.MethodGet, "/me", "orphan-token", ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}
	var u users.User
	if err := json.Unmarshal([]byte(resp.Body), &u); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if u.ID != "orphan" || u.Email != "orphan@example.com" || u.Role != users.RoleStudent {
		t.Errorf("unexpected profile %+v", u)
	}
	if len(ts.profiles.created) != 1 {
		t.Errorf("expected one created profile, got %v", ts.profiles.created)
	}
	if ts.logs.FilterMessage("created missing profile").Len() != 1 {
		t.Error("expected the backfill to be logged")
	}

	ts.do(t, request(http.MethodGet, "/me", "orphan-token", ""))
	if len(ts.profiles.created) != 1 {
		t.Errorf("existing profile must not be recreated, got %v", ts.profiles.created)
	}
}

func TestMissingProfileCreatedConcurrently(t *testing.T) {
	ts := newTestServer()
	ts.profiles.raced = true

	resp := ts.do(t, request(http.MethodGet, "/me", "orphan-token", ""))
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Body, `"id":"orphan"`) {
		t.Errorf("expected the concurrently written profile, got %d %s", resp.StatusCode, resp.Body)
	}
}

func TestPurchaseOfOwnedCourse(t *testing.T) {
	ts := newTestServer()
	ts.enrollments.existing["student/c1"] = true

	for _, path := range []string{"/payments/intent", "/payments/checkout"} {
		resp := ts.do(t, request(http.MethodPost, path, "student-token", `{"courseId":"c1"}`))
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("%s: expected 409, got %d: %s", path, resp.StatusCode, resp.Body)
		}
	}

	ts.enrollments.getErr = errors.New("dynamodb unavailable")
	resp := ts.do(t, request(http.MethodPost, "/payments/intent", "student-token", `{"courseId":"c1"}`))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("lookup failure: expected 500, got %d", resp.StatusCode)
	}
}

func TestStripeWebhookMalformedEvent(t *testing.T) {
	ts := newTestServer()
	ts.payments.err = fmt.Errorf("%w: failed to parse payment intent evt_1", payments.ErrMalformedEvent)

	req := request(http.MethodPost, "/payments/webhook", "", `{"id":"evt_1"}`)
	req.Headers["Stripe-Signature"] = "good"
	resp := ts.do(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected the event to be acknowledged, got %d", resp.StatusCode)
	}
	if len(ts.enrollments.confirmed) != 0 {
		t.Error("malformed event must not confirm")
	}
	if ts.logs.FilterMessage("webhook event not decodable").Len() != 1 {
		t.Error("expected the malformed event to be logged")
	}
}
