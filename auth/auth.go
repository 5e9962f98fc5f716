package auth

import (
	"context"
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docbase/docsync/status"
)

// User is the identity that owns the local mutation queue. Changing users
// swaps the visible write state, so identity is part of cache addressing.
type User struct {
	UID string
}

var UnauthenticatedUser = User{}

func NewUser(uid string) User {
	return User{
		UID: uid,
	}
}

func (self User) IsAuthenticated() bool {
	return self.UID != ""
}

func (self User) Equals(other User) bool {
	return self.UID == other.UID
}

func (self User) String() string {
	if !self.IsAuthenticated() {
		return "user(unauthenticated)"
	}
	return "user(" + self.UID + ")"
}

type Token struct {
	Value string
	User  User
}

// ChangeListener observes user identity changes. Registration fires it
// immediately with the current user.
type ChangeListener func(user User)

type CredentialsProvider interface {
	// Token returns the current auth token, or nil for anonymous access.
	Token(ctx context.Context) (*Token, error)
	// InvalidateToken marks the current token as rejected so the next
	// Token call fetches a fresh one.
	InvalidateToken()
	SetChangeListener(listener ChangeListener)
	RemoveChangeListener()
}

// EmptyCredentialsProvider serves anonymous access.
type EmptyCredentialsProvider struct {
	mutex    sync.Mutex
	listener ChangeListener
}

func NewEmptyCredentialsProvider() *EmptyCredentialsProvider {
	return &EmptyCredentialsProvider{}
}

func (self *EmptyCredentialsProvider) Token(ctx context.Context) (*Token, error) {
	return nil, nil
}

func (self *EmptyCredentialsProvider) InvalidateToken() {
}

func (self *EmptyCredentialsProvider) SetChangeListener(listener ChangeListener) {
	self.mutex.Lock()
	self.listener = listener
	self.mutex.Unlock()
	listener(UnauthenticatedUser)
}

func (self *EmptyCredentialsProvider) RemoveChangeListener() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.listener = nil
}

// JwtCredentialsProvider derives the user identity from a bearer jwt.
// The token is parsed without signature verification; the server remains
// the authority and rejects bad tokens with Unauthenticated.
type JwtCredentialsProvider struct {
	mutex       sync.Mutex
	jwt         string
	user        User
	invalidated bool
	listener    ChangeListener
}

func NewJwtCredentialsProvider(jwt string) (*JwtCredentialsProvider, error) {
	provider := &JwtCredentialsProvider{}
	if err := provider.SetJwt(jwt); err != nil {
		return nil, err
	}
	return provider, nil
}

// SetJwt installs a new token, switching users if the subject changed.
func (self *JwtCredentialsProvider) SetJwt(jwt string) error {
	user, err := parseJwtUser(jwt)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	previousUser := self.user
	self.jwt = jwt
	self.user = user
	self.invalidated = false
	listener := self.listener
	self.mutex.Unlock()

	if listener != nil && !user.Equals(previousUser) {
		listener(user)
	}
	return nil
}

func (self *JwtCredentialsProvider) ClearJwt() {
	self.mutex.Lock()
	previousUser := self.user
	self.jwt = ""
	self.user = UnauthenticatedUser
	listener := self.listener
	self.mutex.Unlock()

	if listener != nil && previousUser.IsAuthenticated() {
		listener(UnauthenticatedUser)
	}
}

func (self *JwtCredentialsProvider) Token(ctx context.Context) (*Token, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.jwt == "" {
		return nil, nil
	}
	if self.invalidated {
		return nil, status.Errorf(status.Unauthenticated, "auth token was rejected; set a fresh token")
	}
	return &Token{
		Value: self.jwt,
		User:  self.user,
	}, nil
}

func (self *JwtCredentialsProvider) InvalidateToken() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.invalidated = true
}

func (self *JwtCredentialsProvider) SetChangeListener(listener ChangeListener) {
	self.mutex.Lock()
	self.listener = listener
	user := self.user
	self.mutex.Unlock()
	listener(user)
}

func (self *JwtCredentialsProvider) RemoveChangeListener() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.listener = nil
}

func parseJwtUser(jwt string) (User, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return UnauthenticatedUser, status.Wrap(status.InvalidArgument, err, "cannot parse auth token")
	}

	claims := token.Claims.(gojwt.MapClaims)
	for _, name := range []string{"uid", "user_id", "sub"} {
		if value, ok := claims[name]; ok {
			if uid, ok := value.(string); ok && uid != "" {
				return NewUser(uid), nil
			}
		}
	}
	return UnauthenticatedUser, status.Errorf(status.InvalidArgument, "auth token carries no user claim")
}
