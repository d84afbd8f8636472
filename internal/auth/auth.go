// Package auth checks MQTT CONNECT credentials against bcrypt hashes.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrBadCredentials = errors.New("bad username or password")
	ErrNotAuthorized  = errors.New("not authorized")
)

type User struct {
	Username     string
	PasswordHash string
}

type Authenticator struct {
	allowAnonymous bool
	users          map[string][]byte
}

func New(allowAnonymous bool, users []User) (*Authenticator, error) {
	a := &Authenticator{
		allowAnonymous: allowAnonymous,
		users:          make(map[string][]byte, len(users)),
	}
	for _, u := range users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %s: invalid bcrypt hash: %w", u.Username, err)
		}
		a.users[u.Username] = []byte(u.PasswordHash)
	}
	return a, nil
}

// Authenticate 校验 CONNECT 中的用户名密码。未携带用户名时按匿名处理。
func (a *Authenticator) Authenticate(clientID, username string, password []byte) error {
	if username == "" {
		if a.allowAnonymous {
			return nil
		}
		return fmt.Errorf("%w: anonymous client %s", ErrNotAuthorized, clientID)
	}
	hash, ok := a.users[username]
	if !ok {
		if a.allowAnonymous && len(a.users) == 0 {
			// 没有配置任何用户时，设备固件带的用户名不做校验
			return nil
		}
		return fmt.Errorf("%w: unknown user %s", ErrBadCredentials, username)
	}
	if err := bcrypt.CompareHashAndPassword(hash, password); err != nil {
		return fmt.Errorf("%w: user %s", ErrBadCredentials, username)
	}
	return nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
