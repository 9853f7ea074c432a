package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/courseshop/api"
	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/enrollment"
	"github.com/gurre/courseshop/identity"
	"github.com/gurre/courseshop/integration/mock"
	"github.com/gurre/courseshop/payments"
	"github.com/gurre/courseshop/uploads"
	"github.com/gurre/courseshop/users"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

const (
	webhookSecret = "whsec_integration"
	uploadExpiry  = 10 * time.Minute
	uploadBucket  = "course-content"
)

// stripeAPI is an in-memory Stripe account.
type stripeAPI struct {
	mu       sync.Mutex
	next     int
	intents  map[string]*stripe.PaymentIntent
	sessions map[string]*stripe.CheckoutSession
}

func newStripeAPI() *stripeAPI {
	return &stripeAPI{
		intents:  make(map[string]*stripe.PaymentIntent),
		sessions: make(map[string]*stripe.CheckoutSession),
	}
}

func (s *stripeAPI) NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	pi := &stripe.PaymentIntent{
		ID:           fmt.Sprintf("pi_%d", s.next),
		ClientSecret: fmt.Sprintf("pi_%d_secret", s.next),
		Amount:       *params.Amount,
		Currency:     stripe.Currency(*params.Currency),
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
		Metadata:     params.Metadata,
	}
	s.intents[pi.ID] = pi
	return pi, nil
}

func (s *stripeAPI) GetPaymentIntent(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi, ok := s.intents[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound}
	}
	cp := *pi
	return &cp, nil
}

func (s *stripeAPI) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	price := params.LineItems[0].PriceData
	sess := &stripe.CheckoutSession{
		ID:                fmt.Sprintf("cs_%d", s.next),
		URL:               fmt.Sprintf("https://checkout.stripe.com/c/pay/cs_%d", s.next),
		ClientReferenceID: *params.ClientReferenceID,
		AmountTotal:       *price.UnitAmount,
		Currency:          stripe.Currency(*price.Currency),
		PaymentStatus:     stripe.CheckoutSessionPaymentStatusUnpaid,
		Metadata:          params.Metadata,
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *stripeAPI) GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound}
	}
	cp := *sess
	return &cp, nil
}

// succeed settles a payment intent for its full amount.
func (s *stripeAPI) succeed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi := s.intents[id]
	pi.Status = stripe.PaymentIntentStatusSucceeded
	pi.AmountReceived = pi.Amount
}

func (s *stripeAPI) pay(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id].PaymentStatus = stripe.CheckoutSessionPaymentStatusPaid
}

type env struct {
	ddb     *mock.DynamoDBClient
	s3      *mock.S3Client
	cognito *mock.CognitoClient
	stripe  *stripeAPI
	server  *api.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ddb := mock.NewDynamoDBClient()
	ddb.CreateTable("courses", "id", "")
	ddb.CreateTable("users", "id", "")
	ddb.CreateTable("enrollments", "userId", "courseId")
	s3 := mock.NewS3Client()
	cognito := mock.NewCognitoClient()
	stripeAPI := newStripeAPI()

	courses := catalog.NewStore(ddb, "courses")
	profiles := users.NewStore(ddb, "users")
	bridge := payments.NewStripe(stripeAPI, webhookSecret, "usd", "https://shop.example.com")

	server := api.New(api.Deps{
		Identity:    identity.NewService(cognito, profiles, "client-id", "client-secret"),
		Profiles:    profiles,
		Catalog:     courses,
		Uploads:     uploads.NewBroker(s3, s3, courses, uploadBucket, uploadExpiry, 1<<20),
		Payments:    bridge,
		Enrollments: enrollment.NewService(ddb, "enrollments", "users", courses, bridge, "usd"),
	}, zap.NewNop(), "https://shop.example.com")

	return &env{ddb: ddb, s3: s3, cognito: cognito, stripe: stripeAPI, server: server}
}

// call sends one proxy event. body may be a string sent verbatim or a value
// encoded as JSON.
func (e *env) call(t *testing.T, method, target, token string, body any, headers ...string) (int, []byte) {
	t.Helper()
	path, rawQuery, _ := strings.Cut(target, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatal(err)
	}

	req := events.APIGatewayProxyRequest{
		HTTPMethod:            method,
		Path:                  path,
		Headers:               map[string]string{"Content-Type": "application/json"},
		QueryStringParameters: map[string]string{},
		RequestContext:        events.APIGatewayProxyRequestContext{RequestID: "req-" + t.Name()},
	}
	for k := range query {
		req.QueryStringParameters[k] = query.Get(k)
	}
	if token != "" {
		req.Headers["Authorization"] = "Bearer " + token
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Headers[headers[i]] = headers[i+1]
	}
	switch b := body.(type) {
	case nil:
	case string:
		req.Body = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		req.Body = string(data)
	}

	resp, err := e.server.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("%s %s returned error: %v", method, target, err)
	}
	return resp.StatusCode, []byte(resp.Body)
}

func decodeBody[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("failed to decode %s: %v", data, err)
	}
	return v
}

// signIn registers a user and returns the access token and user id.
func (e *env) signIn(t *testing.T, email string) (string, string) {
	t.Helper()
	creds := map[string]string{"email": email, "password": "correct-horse-battery", "name": "Test User"}
	status, body := e.call(t, http.MethodPost, "/auth/signup", "", creds)
	if status != http.StatusCreated {
		t.Fatalf("signup returned %d: %s", status, body)
	}
	res := decodeBody[identity.SignUpResult](t, body)

	status, body = e.call(t, http.MethodPost, "/auth/signin", "", creds)
	if status != http.StatusOK {
		t.Fatalf("signin returned %d: %s", status, body)
	}
	return decodeBody[identity.Tokens](t, body).AccessToken, res.UserID
}

func (e *env) promote(t *testing.T, userID string) {
	t.Helper()
	for _, item := range e.ddb.Items("users") {
		var u users.User
		if err := attributevalue.UnmarshalMap(item, &u); err != nil {
			t.Fatal(err)
		}
		if u.ID == userID {
			item["role"] = &types.AttributeValueMemberS{Value: string(users.RoleAdmin)}
			if err := e.ddb.PutRaw("users", item); err != nil {
				t.Fatal(err)
			}
			return
		}
	}
	t.Fatalf("user %s not found", userID)
}

func (e *env) admin(t *testing.T) string {
	t.Helper()
	token, id := e.signIn(t, "admin@example.com")
	e.promote(t, id)
	return token
}

func (e *env) createCourse(t *testing.T, token string, in catalog.Input) catalog.Course {
	t.Helper()
	status, body := e.call(t, http.MethodPost, "/admin/courses", token, in)
	if status != http.StatusCreated {
		t.Fatalf("create course returned %d: %s", status, body)
	}
	return decodeBody[catalog.Course](t, body)
}

var goCourse = catalog.Input{
	Title:       "Go in Practice",
	Description: "Build services with Go",
	Price:       4900,
	Instructor:  "ana",
	Level:       catalog.LevelIntermediate,
}

func TestCatalogRoundTrip(t *testing.T) {
	e := newEnv(t)
	admin := e.admin(t)

	created := e.createCourse(t, admin, goCourse)
	if created.ID == "" {
		t.Fatal("course created without id")
	}

	status, body := e.call(t, http.MethodGet, "/courses/"+created.ID, "", nil)
	if status != http.StatusOK {
		t.Fatalf("get course returned %d: %s", status, body)
	}
	got := decodeBody[catalog.Course](t, body)
	if got.Title != goCourse.Title || got.Description != goCourse.Description || got.Price != goCourse.Price ||
		got.Instructor != goCourse.Instructor || got.Level != goCourse.Level {
		t.Errorf("round trip mismatch: %+v", got)
	}

	e.createCourse(t, admin, catalog.Input{Title: "Rust", Price: 0, Instructor: "bo", Level: catalog.LevelBeginner})
	status, body = e.call(t, http.MethodGet, "/courses?instructor=ana", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list returned %d", status)
	}
	if list := decodeBody[[]catalog.Course](t, body); len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("instructor filter returned %+v", list)
	}

	update := goCourse
	update.Price = 5900
	status, body = e.call(t, http.MethodPut, "/admin/courses/"+created.ID, admin, update)
	if status != http.StatusOK || decodeBody[catalog.Course](t, body).Price != 5900 {
		t.Errorf("update returned %d: %s", status, body)
	}

	if status, _ := e.call(t, http.MethodDelete, "/admin/courses/"+created.ID, admin, nil); status != http.StatusNoContent {
		t.Errorf("delete returned %d", status)
	}
	if status, _ := e.call(t, http.MethodGet, "/courses/"+created.ID, "", nil); status != http.StatusNotFound {
		t.Errorf("deleted course returned %d", status)
	}
}

func TestAdminRoutesRejectOtherCallers(t *testing.T) {
	e := newEnv(t)
	student, _ := e.signIn(t, "student@example.com")

	routes := []struct{ method, path string }{
		{http.MethodPost, "/admin/courses"},
		{http.MethodPut, "/admin/courses/c1"},
		{http.MethodDelete, "/admin/courses/c1"},
		{http.MethodPost, "/admin/upload"},
		{http.MethodPost, "/admin/courses/c1/contents"},
	}
	for _, r := range routes {
		if status, _ := e.call(t, r.method, r.path, "", goCourse); status != http.StatusUnauthorized {
			t.Errorf("%s %s without token: got %d, want 401", r.method, r.path, status)
		}
		if status, _ := e.call(t, r.method, r.path, "forged-token", goCourse); status != http.StatusUnauthorized {
			t.Errorf("%s %s with invalid token: got %d, want 401", r.method, r.path, status)
		}
		if status, _ := e.call(t, r.method, r.path, student, goCourse); status != http.StatusForbidden {
			t.Errorf("%s %s as student: got %d, want 403", r.method, r.path, status)
		}
	}
	if n := len(e.ddb.Items("courses")); n != 0 {
		t.Errorf("rejected callers wrote %d courses", n)
	}
}

func TestPurchaseWithPaymentIntent(t *testing.T) {
	e := newEnv(t)
	course := e.createCourse(t, e.admin(t), goCourse)
	student, studentID := e.signIn(t, "student@example.com")

	status, body := e.call(t, http.MethodPost, "/payments/intent", student, map[string]string{"courseId": course.ID})
	if status != http.StatusOK {
		t.Fatalf("intent returned %d: %s", status, body)
	}
	intent := decodeBody[payments.Intent](t, body)
	if intent.Amount != course.Price || intent.ClientSecret == "" {
		t.Errorf("unexpected intent %+v", intent)
	}

	confirm := map[string]string{"paymentRef": intent.PaymentRef, "courseId": course.ID}
	if status, body := e.call(t, http.MethodPost, "/payments/confirm", student, confirm); status != http.StatusPaymentRequired {
		t.Errorf("unpaid confirm returned %d: %s", status, body)
	}
	if n := len(e.ddb.Items("enrollments")); n != 0 {
		t.Fatalf("unpaid confirm wrote %d enrollments", n)
	}

	e.stripe.succeed(intent.PaymentRef)
	status, body = e.call(t, http.MethodPost, "/payments/confirm", student, confirm)
	if status != http.StatusCreated {
		t.Fatalf("confirm returned %d: %s", status, body)
	}
	first := decodeBody[enrollment.Enrollment](t, body)
	if first.UserID != studentID || first.CourseID != course.ID || first.PaymentRef != intent.PaymentRef {
		t.Errorf("unexpected enrollment %+v", first)
	}

	status, body = e.call(t, http.MethodPost, "/payments/confirm", student, confirm)
	if status != http.StatusOK {
		t.Fatalf("repeated confirm returned %d: %s", status, body)
	}
	if again := decodeBody[enrollment.Enrollment](t, body); again.EnrollmentID != first.EnrollmentID {
		t.Errorf("repeated confirm created a new enrollment %+v", again)
	}
	if n := len(e.ddb.Items("enrollments")); n != 1 {
		t.Errorf("expected exactly one enrollment, got %d", n)
	}

	status, body = e.call(t, http.MethodGet, "/me", student, nil)
	if status != http.StatusOK || decodeBody[users.User](t, body).SubscriptionStatus != users.StatusActive {
		t.Errorf("profile not activated: %d %s", status, body)
	}
	status, body = e.call(t, http.MethodGet, "/enrollments", student, nil)
	if status != http.StatusOK || len(decodeBody[[]enrollment.Enrollment](t, body)) != 1 {
		t.Errorf("enrollments list returned %d: %s", status, body)
	}
}

func TestPaymentCannotBeReusedByAnotherUser(t *testing.T) {
	e := newEnv(t)
	course := e.createCourse(t, e.admin(t), goCourse)
	buyer, _ := e.signIn(t, "buyer@example.com")
	other, _ := e.signIn(t, "other@example.com")

	_, body := e.call(t, http.MethodPost, "/payments/intent", buyer, map[string]string{"courseId": course.ID})
	intent := decodeBody[payments.Intent](t, body)
	e.stripe.succeed(intent.PaymentRef)

	confirm := map[string]string{"paymentRef": intent.PaymentRef, "courseId": course.ID}
	if status, _ := e.call(t, http.MethodPost, "/payments/confirm", other, confirm); status != http.StatusBadRequest {
		t.Errorf("foreign payment returned %d, want 400", status)
	}
	if n := len(e.ddb.Items("enrollments")); n != 0 {
		t.Errorf("foreign payment wrote %d enrollments", n)
	}
}

func webhookPayload(eventID, sessionID, userID, courseID string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","data":{"object":`+
		`{"id":%q,"object":"checkout.session","payment_status":"paid","amount_total":4900,"currency":"usd",`+
		`"client_reference_id":%q,"metadata":{"user_id":%q,"course_id":%q}}}}`,
		eventID, sessionID, userID, userID, courseID)
}

func TestCheckoutWebhookEnrollsOnce(t *testing.T) {
	e := newEnv(t)
	course := e.createCourse(t, e.admin(t), goCourse)
	student, studentID := e.signIn(t, "student@example.com")

	status, body := e.call(t, http.MethodPost, "/payments/checkout", student, map[string]string{"courseId": course.ID})
	if status != http.StatusOK {
		t.Fatalf("checkout returned %d: %s", status, body)
	}
	co := decodeBody[payments.Checkout](t, body)
	e.stripe.pay(co.SessionID)

	payload := webhookPayload("evt_1", co.SessionID, studentID, course.ID)
	signature := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload),
		Secret:  webhookSecret,
	}).Header

	// Stripe delivers at least once.
	for i := 0; i < 2; i++ {
		if status, body := e.call(t, http.MethodPost, "/payments/webhook", "", payload, "Stripe-Signature", signature); status != http.StatusOK {
			t.Fatalf("delivery %d returned %d: %s", i, status, body)
		}
	}
	if n := len(e.ddb.Items("enrollments")); n != 1 {
		t.Errorf("expected exactly one enrollment, got %d", n)
	}

	if status, _ := e.call(t, http.MethodPost, "/payments/webhook", "", payload, "Stripe-Signature", "t=1,v1=forged"); status != http.StatusBadRequest {
		t.Errorf("forged signature returned %d, want 400", status)
	}
}

func TestPresignedUpload(t *testing.T) {
	e := newEnv(t)
	admin := e.admin(t)
	course := e.createCourse(t, admin, goCourse)

	before := time.Now()
	status, body := e.call(t, http.MethodPost, "/admin/upload", admin, map[string]string{
		"courseId":    course.ID,
		"fileName":    "../Intro Lesson.mp4",
		"contentType": "video/mp4",
	})
	after := time.Now()
	if status != http.StatusOK {
		t.Fatalf("presign returned %d: %s", status, body)
	}
	p := decodeBody[uploads.Presigned](t, body)

	if !strings.HasPrefix(p.Key, "courses/"+course.ID+"/") || strings.Contains(p.Key, "..") {
		t.Errorf("unexpected key %s", p.Key)
	}
	if p.ExpiresAt.Before(before.Add(uploadExpiry).Add(-time.Second)) || p.ExpiresAt.After(after.Add(uploadExpiry).Add(time.Second)) {
		t.Errorf("expiry %s not %s after issue", p.ExpiresAt, uploadExpiry)
	}
	if len(e.s3.Presigned) != 1 || e.s3.Presigned[0].Expires != uploadExpiry {
		t.Errorf("URL not signed for %s: %+v", uploadExpiry, e.s3.Presigned)
	}
	if !strings.Contains(p.URL, "X-Amz-Expires=600") {
		t.Errorf("unexpected URL %s", p.URL)
	}

	attach := map[string]string{"key": p.Key}
	if status, _ := e.call(t, http.MethodPost, "/admin/courses/"+course.ID+"/contents", admin, attach); status != http.StatusNotFound {
		t.Errorf("attach before upload returned %d, want 404", status)
	}

	e.s3.AddFile(uploadBucket, p.Key, []byte("video bytes"))
	status, body = e.call(t, http.MethodPost, "/admin/courses/"+course.ID+"/contents", admin, attach)
	if status != http.StatusOK {
		t.Fatalf("attach returned %d: %s", status, body)
	}
	if got := decodeBody[catalog.Course](t, body); len(got.Contents) != 1 || got.Contents[0] != p.Key {
		t.Errorf("content not attached: %+v", got.Contents)
	}
}

func TestSignUpTwice(t *testing.T) {
	e := newEnv(t)
	e.signIn(t, "dup@example.com")
	creds := map[string]string{"email": "dup@example.com", "password": "correct-horse-battery"}
	if status, _ := e.call(t, http.MethodPost, "/auth/signup", "", creds); status != http.StatusConflict {
		t.Errorf("duplicate signup returned %d, want 409", status)
	}
	bad := map[string]string{"email": "dup@example.com", "password": "wrong-password"}
	if status, _ := e.call(t, http.MethodPost, "/auth/signin", "", bad); status != http.StatusUnauthorized {
		t.Errorf("bad password returned %d, want 401", status)
	}
}

func TestProfileRecoveredAfterFailedSignUp(t *testing.T) {
	e := newEnv(t)
	creds := map[string]string{"email": "late@example.com", "password": "correct-horse-battery"}

	e.ddb.FailNext(errors.New("dynamodb unavailable"))
	if status, body := e.call(t, http.MethodPost, "/auth/signup", "", creds); status != http.StatusInternalServerError {
		t.Fatalf("signup during outage returned %d: %s", status, body)
	}
	if n := len(e.ddb.Items("users")); n != 0 {
		t.Fatalf("expected no profile after the failed write, got %d", n)
	}
	if status, _ := e.call(t, http.MethodPost, "/auth/signup", "", creds); status != http.StatusConflict {
		t.Errorf("retried signup returned %d, want 409", status)
	}

	status, body := e.call(t, http.MethodPost, "/auth/signin", "", creds)
	if status != http.StatusOK {
		t.Fatalf("signin returned %d: %s", status, body)
	}
	token := decodeBody[identity.Tokens](t, body).AccessToken

	status, body = e.call(t, http.MethodGet, "/me", token, nil)
	if status != http.StatusOK {
		t.Fatalf("me returned %d: %s", status, body)
	}
	u := decodeBody[users.User](t, body)
	if u.Email != "late@example.com" || u.Role != users.RoleStudent || u.SubscriptionStatus != users.StatusNone {
		t.Errorf("unexpected recovered profile %+v", u)
	}
	if n := len(e.ddb.Items("users")); n != 1 {
		t.Errorf("expected one profile row, got %d", n)
	}
	if status, _ := e.call(t, http.MethodGet, "/me", token, nil); status != http.StatusOK {
		t.Errorf("second request returned %d", status)
	}
}

func TestEnrolledUserCannotPayAgain(t *testing.T) {
	e := newEnv(t)
	course := e.createCourse(t, e.admin(t), goCourse)
	student, _ := e.signIn(t, "student@example.com")

	_, body := e.call(t, http.MethodPost, "/payments/intent", student, map[string]string{"courseId": course.ID})
	intent := decodeBody[payments.Intent](t, body)
	e.stripe.succeed(intent.PaymentRef)
	confirm := map[string]string{"paymentRef": intent.PaymentRef, "courseId": course.ID}
	if status, body := e.call(t, http.MethodPost, "/payments/confirm", student, confirm); status != http.StatusCreated {
		t.Fatalf("confirm returned %d: %s", status, body)
	}

	e.stripe.mu.Lock()
	issued := e.stripe.next
	e.stripe.mu.Unlock()

	for _, path := range []string{"/payments/intent", "/payments/checkout"} {
		if status, body := e.call(t, http.MethodPost, path, student, map[string]string{"courseId": course.ID}); status != http.StatusConflict {
			t.Errorf("%s for an owned course returned %d: %s", path, status, body)
		}
	}
	e.stripe.mu.Lock()
	defer e.stripe.mu.Unlock()
	if e.stripe.next != issued {
		t.Errorf("expected no new payments, %d were created", e.stripe.next-issued)
	}
}
