// Package identity wraps the Cognito user pool: sign-up with a profile row,
// password sign-in, and access-token verification.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/gurre/courseshop/aws"
	"github.com/gurre/courseshop/users"
	"github.com/gurre/courseshop/validation"
)

var (
	ErrUserExists         = errors.New("an account with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotConfirmed       = errors.New("account is not confirmed")
	ErrInvalidPassword    = errors.New("password does not meet the pool policy")
	ErrInvalidToken       = errors.New("invalid or expired access token")
	// ErrChallengeRequired is returned when Cognito answers sign-in with a
	// challenge (MFA, new password) instead of tokens.
	ErrChallengeRequired = errors.New("additional sign-in challenge required")
)

// SignUpInput is the sign-up request body.
type SignUpInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=256"`
	Name     string `json:"name" validate:"max=200"`
}

// SignInInput is the sign-in request body.
type SignInInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SignUpResult reports the new subject and whether Cognito confirmed it.
type SignUpResult struct {
	UserID    string `json:"userId"`
	Confirmed bool   `json:"confirmed"`
}

// Tokens is a successful sign-in.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int32  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// Principal is the verified caller behind an access token.
type Principal struct {
	Subject  string
	Username string
	Email    string
}

// Service talks to one user pool app client.
type Service struct {
	cognito      aws.CognitoClient
	users        *users.Store
	clientID     string
	clientSecret string
}

// NewService creates a Service. clientSecret may be empty for public app
// clients.
func NewService(cognito aws.CognitoClient, profiles *users.Store, clientID, clientSecret string) *Service {
	return &Service{
		cognito:      cognito,
		users:        profiles,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// secretHash computes the SECRET_HASH parameter Cognito requires when the
// app client has a secret.
func secretHash(username, clientID, clientSecret string) string {
	mac := hmac.New(sha256.New, []byte(clientSecret))
	mac.Write([]byte(username + clientID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Service) secretHash(username string) *string {
	if s.clientSecret == "" {
		return nil
	}
	return awssdk.String(secretHash(username, s.clientID, s.clientSecret))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignUp registers the user with Cognito and writes the profile row keyed by
// the returned subject.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (SignUpResult, error) {
	in.Email = normalizeEmail(in.Email)
	if err := validation.Struct(in); err != nil {
		return SignUpResult{}, err
	}

	attrs := []types.AttributeType{{Name: awssdk.String("email"), Value: awssdk.String(in.Email)}}
	if in.Name != "" {
		attrs = append(attrs, types.AttributeType{Name: awssdk.String("name"), Value: awssdk.String(in.Name)})
	}
	out, err := s.cognito.SignUp(ctx, &cip.SignUpInput{
		ClientId:       awssdk.String(s.clientID),
		Username:       awssdk.String(in.Email),
		Password:       awssdk.String(in.Password),
		SecretHash:     s.secretHash(in.Email),
		UserAttributes: attrs,
	})
	if err != nil {
		return SignUpResult{}, mapError("sign up", err)
	}

	sub := awssdk.ToString(out.UserSub)
	if _, err := s.users.Create(ctx, sub, in.Email, in.Name); err != nil {
		return SignUpResult{}, fmt.Errorf("failed to store profile for %s: %w", sub, err)
	}
	return SignUpResult{UserID: sub, Confirmed: out.UserConfirmed}, nil
}

// SignIn runs the USER_PASSWORD_AUTH flow.
func (s *Service) SignIn(ctx context.Context, in SignInInput) (Tokens, error) {
	in.Email = normalizeEmail(in.Email)
	if err := validation.Struct(in); err != nil {
		return Tokens{}, err
	}

	params := map[string]string{
		"USERNAME": in.Email,
		"PASSWORD": in.Password,
	}
	if h := s.secretHash(in.Email); h != nil {
		params["SECRET_HASH"] = *h
	}
	out, err := s.cognito.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeUserPasswordAuth,
		ClientId:       awssdk.String(s.clientID),
		AuthParameters: params,
	})
	if err != nil {
		return Tokens{}, mapError("sign in", err)
	}
	if out.AuthenticationResult == nil {
		return Tokens{}, fmt.Errorf("%w: %s", ErrChallengeRequired, out.ChallengeName)
	}

	res := out.AuthenticationResult
	return Tokens{
		AccessToken:  awssdk.ToString(res.AccessToken),
		IDToken:      awssdk.ToString(res.IdToken),
		RefreshToken: awssdk.ToString(res.RefreshToken),
		ExpiresIn:    res.ExpiresIn,
		TokenType:    awssdk.ToString(res.TokenType),
	}, nil
}

// Verify resolves an access token to its principal. Cognito checks the
// signature, expiry and revocation.
func (s *Service) Verify(ctx context.Context, accessToken string) (Principal, error) {
	if accessToken == "" {
		return Principal{}, ErrInvalidToken
	}
	out, err := s.cognito.GetUser(ctx, &cip.GetUserInput{AccessToken: awssdk.String(accessToken)})
	if err != nil {
		var notAuth *types.NotAuthorizedException
		var notFound *types.UserNotFoundException
		if errors.As(err, &notAuth) || errors.As(err, &notFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, fmt.Errorf("failed to verify access token: %w", err)
	}

	p := Principal{Username: awssdk.ToString(out.Username)}
	for _, a := range out.UserAttributes {
		switch awssdk.ToString(a.Name) {
		case "sub":
			p.Subject = awssdk.ToString(a.Value)
		case "email":
			p.Email = awssdk.ToString(a.Value)
		}
	}
	if p.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}
	return p, nil
}

func mapError(op string, err error) error {
	var (
		exists       *types.UsernameExistsException
		badPassword  *types.InvalidPasswordException
		notAuth      *types.NotAuthorizedException
		notFound     *types.UserNotFoundException
		notConfirmed *types.UserNotConfirmedException
		badParam     *types.InvalidParameterException
	)
	switch {
	case errors.As(err, &exists):
		return ErrUserExists
	case errors.As(err, &badPassword):
		return fmt.Errorf("%w: %s", ErrInvalidPassword, badPassword.ErrorMessage())
	case errors.As(err, &notAuth), errors.As(err, &notFound):
		// Unknown user and wrong password look the same to the caller.
		return ErrInvalidCredentials
	case errors.As(err, &notConfirmed):
		return ErrNotConfirmed
	case errors.As(err, &badParam):
		return fmt.Errorf("%w: %s", validation.ErrInvalid, badParam.ErrorMessage())
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}
