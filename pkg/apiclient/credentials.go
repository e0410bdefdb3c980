package apiclient

import "context"

type tokenKey struct{}

// StaticToken is a fixed bearer token
type StaticToken string

// Token returns the token itself
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// WithToken stores a bearer token on the context for ContextToken
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext extracts a token stored by WithToken
func TokenFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(tokenKey{}).(string); ok {
		return t
	}
	return ""
}

// ContextToken reads the token the inbound request carried, falling back to
// Fallback when the context has none.
type ContextToken struct {
	Fallback CredentialStore
}

// Token implements CredentialStore
func (c ContextToken) Token(ctx context.Context) (string, error) {
	if t := TokenFromContext(ctx); t != "" {
		return t, nil
	}
	if c.Fallback != nil {
		return c.Fallback.Token(ctx)
	}
	return "", nil
}
