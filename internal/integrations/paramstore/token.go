package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the JSON shape secrets are stored in.
type tokenPayload struct {
	Token string `json:"token"`
}

// DecodeToken extracts the token from a `{"token": "..."}` parameter value.
func DecodeToken(raw string) (string, error) {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("paramstore: token is empty")
	}
	return tp.Token, nil
}

// Token lazily resolves one secret and caches it for the process lifetime.
// Failures are not cached, so the next call retries.
type Token struct {
	getter Getter
	name   string

	mu    sync.Mutex
	value string
}

// NewToken returns a Token read from the named parameter.
func NewToken(getter Getter, name string) (*Token, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("paramstore: token parameter name must not be empty")
	}
	return &Token{getter: getter, name: name}, nil
}

// StaticToken returns a Token that always yields value.
func StaticToken(value string) *Token {
	return &Token{value: value}
}

// Get returns the cached token, fetching it on first use.
func (t *Token) Get(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.value != "" {
		return t.value, nil
	}
	if t.getter == nil {
		return "", errors.New("paramstore: token not configured")
	}
	raw, err := t.getter.GetParameter(ctx, t.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	v, err := DecodeToken(raw)
	if err != nil {
		return "", err
	}
	t.value = v
	return v, nil
}
