package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
)

type poolUser struct {
	sub       string
	password  string
	confirmed bool
	attrs     []types.AttributeType
}

// CognitoClient is an in-memory user pool implementing aws.CognitoClient.
// Access tokens are opaque strings of the form "access-<sub>".
type CognitoClient struct {
	mu      sync.Mutex
	users   map[string]*poolUser // by username
	tokens  map[string]string    // access token -> username
	nextSub int

	// AutoConfirm marks new users confirmed at sign-up.
	AutoConfirm bool
	// SignUps records every SignUp request.
	SignUps []cognitoidentityprovider.SignUpInput
}

// NewCognitoClient creates a user pool that auto-confirms sign-ups.
func NewCognitoClient() *CognitoClient {
	return &CognitoClient{
		users:       make(map[string]*poolUser),
		tokens:      make(map[string]string),
		AutoConfirm: true,
	}
}

func (m *CognitoClient) SignUp(ctx context.Context, params *cognitoidentityprovider.SignUpInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.SignUpOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SignUps = append(m.SignUps, *params)

	username := aws.ToString(params.Username)
	if _, exists := m.users[username]; exists {
		return nil, &types.UsernameExistsException{Message: aws.String("An account with the given email already exists.")}
	}
	if len(aws.ToString(params.Password)) < 8 {
		return nil, &types.InvalidPasswordException{Message: aws.String("Password did not conform with policy: Password not long enough")}
	}

	m.nextSub++
	u := &poolUser{
		sub:       fmt.Sprintf("00000000-0000-4000-8000-%012d", m.nextSub),
		password:  aws.ToString(params.Password),
		confirmed: m.AutoConfirm,
		attrs:     params.UserAttributes,
	}
	m.users[username] = u
	return &cognitoidentityprovider.SignUpOutput{UserConfirmed: u.confirmed, UserSub: aws.String(u.sub)}, nil
}

func (m *CognitoClient) InitiateAuth(ctx context.Context, params *cognitoidentityprovider.InitiateAuthInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if params.AuthFlow != types.AuthFlowTypeUserPasswordAuth {
		return nil, &types.InvalidParameterException{Message: aws.String("unsupported auth flow")}
	}
	username := params.AuthParameters["USERNAME"]
	u, ok := m.users[username]
	if !ok {
		return nil, &types.UserNotFoundException{Message: aws.String("User does not exist.")}
	}
	if u.password != params.AuthParameters["PASSWORD"] {
		return nil, &types.NotAuthorizedException{Message: aws.String("Incorrect username or password.")}
	}
	if !u.confirmed {
		return nil, &types.UserNotConfirmedException{Message: aws.String("User is not confirmed.")}
	}

	access := "access-" + u.sub
	m.tokens[access] = username
	return &cognitoidentityprovider.InitiateAuthOutput{
		AuthenticationResult: &types.AuthenticationResultType{
			AccessToken:  aws.String(access),
			IdToken:      aws.String("id-" + u.sub),
			RefreshToken: aws.String("refresh-" + u.sub),
			ExpiresIn:    3600,
			TokenType:    aws.String("Bearer"),
		},
	}, nil
}

func (m *CognitoClient) GetUser(ctx context.Context, params *cognitoidentityprovider.GetUserInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.GetUserOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	username, ok := m.tokens[aws.ToString(params.AccessToken)]
	if !ok {
		return nil, &types.NotAuthorizedException{Message: aws.String("Invalid Access Token")}
	}
	u := m.users[username]
	attrs := append([]types.AttributeType{{Name: aws.String("sub"), Value: aws.String(u.sub)}}, u.attrs...)
	return &cognitoidentityprovider.GetUserOutput{Username: aws.String(username), UserAttributes: attrs}, nil
}

// Confirm marks a pending user as confirmed.
func (m *CognitoClient) Confirm(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[username]; ok {
		u.confirmed = true
	}
}
