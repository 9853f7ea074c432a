package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/enrollment"
	"github.com/gurre/courseshop/identity"
	"github.com/gurre/courseshop/payments"
	"github.com/gurre/courseshop/uploads"
	"go.uber.org/zap"
)

func (s *Server) signUp(w http.ResponseWriter, r *http.Request) error {
	var in identity.SignUpInput
	if err := decode(r, &in); err != nil {
		return err
	}
	res, err := s.deps.Identity.SignUp(r.Context(), in)
	if err != nil {
		return err
	}
	return created(w, res)
}

func (s *Server) signIn(w http.ResponseWriter, r *http.Request) error {
	var in identity.SignInInput
	if err := decode(r, &in); err != nil {
		return err
	}
	tokens, err := s.deps.Identity.SignIn(r.Context(), in)
	if err != nil {
		return err
	}
	return ok(w, tokens)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) error {
	return ok(w, callerFrom(r.Context()).profile)
}

func (s *Server) listCourses(w http.ResponseWriter, r *http.Request) error {
	var (
		courses []catalog.Course
		err     error
	)
	if instructor := r.URL.Query().Get("instructor"); instructor != "" {
		courses, err = s.deps.Catalog.ListByInstructor(r.Context(), instructor)
	} else {
		courses, err = s.deps.Catalog.List(r.Context())
	}
	if err != nil {
		return err
	}
	return ok(w, courses)
}

func (s *Server) getCourse(w http.ResponseWriter, r *http.Request) error {
	c, err := s.deps.Catalog.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	return ok(w, c)
}

func (s *Server) createCourse(w http.ResponseWriter, r *http.Request) error {
	var in catalog.Input
	if err := decode(r, &in); err != nil {
		return err
	}
	c, err := s.deps.Catalog.Create(r.Context(), in)
	if err != nil {
		return err
	}
	return created(w, c)
}

func (s *Server) updateCourse(w http.ResponseWriter, r *http.Request) error {
	var in catalog.Input
	if err := decode(r, &in); err != nil {
		return err
	}
	c, err := s.deps.Catalog.Update(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		return err
	}
	return ok(w, c)
}

func (s *Server) deleteCourse(w http.ResponseWriter, r *http.Request) error {
	if err := s.deps.Catalog.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		return err
	}
	return noContent(w)
}

func (s *Server) presignUpload(w http.ResponseWriter, r *http.Request) error {
	var in uploads.PresignInput
	if err := decode(r, &in); err != nil {
		return err
	}
	p, err := s.deps.Uploads.Presign(r.Context(), in)
	if err != nil {
		return err
	}
	return ok(w, p)
}

type attachRequest struct {
	Key string `json:"key"`
}

func (s *Server) attachContent(w http.ResponseWriter, r *http.Request) error {
	var in attachRequest
	if err := decode(r, &in); err != nil {
		return err
	}
	c, err := s.deps.Uploads.Attach(r.Context(), mux.Vars(r)["id"], in.Key)
	if err != nil {
		return err
	}
	return ok(w, c)
}

type purchaseRequest struct {
	CourseID string `json:"courseId"`
}

// purchasedCourse loads the course named in the body. Callers already
// enrolled get errAlreadyEnrolled so they are never charged twice.
func (s *Server) purchasedCourse(r *http.Request, userID string) (catalog.Course, error) {
	var in purchaseRequest
	if err := decode(r, &in); err != nil {
		return catalog.Course{}, err
	}
	if in.CourseID == "" {
		return catalog.Course{}, fmt.Errorf("%w: courseId is required", errBadRequest)
	}
	course, err := s.deps.Catalog.Get(r.Context(), in.CourseID)
	if err != nil {
		return catalog.Course{}, err
	}

	_, err = s.deps.Enrollments.Get(r.Context(), userID, course.ID)
	switch {
	case err == nil:
		return catalog.Course{}, errAlreadyEnrolled
	case !errors.Is(err, enrollment.ErrNotFound):
		return catalog.Course{}, err
	}
	return course, nil
}

func (s *Server) createIntent(w http.ResponseWriter, r *http.Request) error {
	userID := callerFrom(r.Context()).profile.ID
	course, err := s.purchasedCourse(r, userID)
	if err != nil {
		return err
	}
	intent, err := s.deps.Payments.CreatePaymentIntent(r.Context(), userID, course)
	if err != nil {
		return err
	}
	return ok(w, intent)
}

func (s *Server) createCheckout(w http.ResponseWriter, r *http.Request) error {
	userID := callerFrom(r.Context()).profile.ID
	course, err := s.purchasedCourse(r, userID)
	if err != nil {
		return err
	}
	co, err := s.deps.Payments.CreateCheckoutSession(r.Context(), userID, course)
	if err != nil {
		return err
	}
	return ok(w, co)
}

func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request) error {
	var in enrollment.ConfirmInput
	if err := decode(r, &in); err != nil {
		return err
	}
	// The buyer is always the caller, never a body field.
	in.UserID = callerFrom(r.Context()).profile.ID

	e, isNew, err := s.deps.Enrollments.Confirm(r.Context(), in)
	if err != nil {
		return err
	}
	if isNew {
		return created(w, e)
	}
	return ok(w, e)
}

// stripeWebhook confirms enrollments for successful payments. Events that
// can never succeed are acknowledged so Stripe stops redelivering them;
// server errors return 500 so it retries.
func (s *Server) stripeWebhook(w http.ResponseWriter, r *http.Request) error {
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		return fmt.Errorf("%w: missing Stripe-Signature header", errBadRequest)
	}
	payload, err := readBody(r)
	if err != nil {
		return err
	}
	ev, err := s.deps.Payments.ParseWebhook(payload, signature)
	if errors.Is(err, payments.ErrMalformedEvent) {
		s.infoFor(r).log.Warn("webhook event not decodable", zap.Error(err))
		return ok(w, map[string]bool{"received": true})
	}
	if err != nil {
		return err
	}

	log := s.infoFor(r).log.With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
	)
	if !ev.Handled || !ev.Succeeded {
		log.Debug("webhook ignored")
		return ok(w, map[string]bool{"received": true})
	}

	e, isNew, err := s.deps.Enrollments.Confirm(r.Context(), enrollment.ConfirmInput{
		PaymentRef: ev.Ref,
		UserID:     ev.UserID,
		CourseID:   ev.CourseID,
	})
	if err != nil {
		if statusFor(err) < http.StatusInternalServerError {
			log.Warn("webhook payment not enrolled", zap.String("payment_ref", ev.Ref), zap.Error(err))
			return ok(w, map[string]bool{"received": true})
		}
		return err
	}
	log.Info("webhook enrollment confirmed",
		zap.String("enrollment_id", e.EnrollmentID),
		zap.Bool("created", isNew),
	)
	return ok(w, map[string]bool{"received": true})
}

func (s *Server) listEnrollments(w http.ResponseWriter, r *http.Request) error {
	list, err := s.deps.Enrollments.ListByUser(r.Context(), callerFrom(r.Context()).profile.ID)
	if err != nil {
		return err
	}
	return ok(w, list)
}
