package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// TokenProvider supplies a bearer credential on demand.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns the same credential.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", errors.New("no token configured")
	}
	return strings.TrimSpace(string(t)), nil
}

// FileToken rereads the credential from disk on every call so an
// external helper can rotate short-lived tokens.
type FileToken struct {
	Path string
}

func (f FileToken) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", f.Path)
	}
	return token, nil
}
