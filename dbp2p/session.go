package dbp2p

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the identity established by login
// An empty `Token` means unauthenticated.
type Session struct {
	Token    string
	UserId   string
	Username string
	Roles    []string
	// from the token claims when the token is a jwt, otherwise zero
	ExpiresAt time.Time
}

func (self *Session) Expired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}

func (self *Session) HasRole(role string) bool {
	return slices.Contains(self.Roles, role)
}

// the login response joins roles with ","
func ParseRoles(roles string) []string {
	parsedRoles := []string{}
	for _, role := range strings.Split(roles, ",") {
		role = strings.TrimSpace(role)
		if role != "" {
			parsedRoles = append(parsedRoles, role)
		}
	}
	return parsedRoles
}

// holds the session for the request executor and the event channel.
// Reads are concurrent. The only writer is login.
type CredentialStore struct {
	mutex   sync.RWMutex
	session *Session
	now     func() time.Time
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		now: time.Now,
	}
}

func (self *CredentialStore) SetSession(session *Session) {
	session = session.copy()
	if session.Token != "" {
		// the login response takes precedence over the claims
		if claims, err := ParseTokenUnverified(session.Token); err == nil {
			if session.ExpiresAt.IsZero() {
				session.ExpiresAt = claims.ExpiresAt
			}
			if session.UserId == "" {
				session.UserId = claims.UserId
			}
			if session.Username == "" {
				session.Username = claims.Username
			}
		} else {
			// opaque tokens are fine
			glog.V(LogLevelTrace).Infof("[s]token is not a jwt (%s)\n", err)
		}
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.session = session
}

// a copy of the current session, or nil
func (self *CredentialStore) Session() *Session {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	if self.session == nil {
		return nil
	}
	return self.session.copy()
}

func (self *CredentialStore) CurrentToken() (string, bool) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	if self.session == nil || self.session.Token == "" {
		return "", false
	}
	return self.session.Token, true
}

// the token for an authenticated operation
func (self *CredentialStore) RequireToken() (string, error) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	if self.session == nil || self.session.Token == "" {
		return "", ErrUnauthenticated
	}
	if self.session.Expired(self.now()) {
		return "", fmt.Errorf("%w: session expired at %s", ErrUnauthenticated, self.session.ExpiresAt.Format(time.RFC3339))
	}
	return self.session.Token, nil
}

// the `Authorization` header value
func (self *CredentialStore) AuthorizationHeader() (string, error) {
	token, err := self.RequireToken()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Bearer %s", token), nil
}

func (self *Session) copy() *Session {
	return &Session{
		Token:     self.Token,
		UserId:    self.UserId,
		Username:  self.Username,
		Roles:     slices.Clone(self.Roles),
		ExpiresAt: self.ExpiresAt,
	}
}
