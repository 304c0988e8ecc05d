package audit

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strings"
	"time"
)

// UnknownUser is the identity of last resort.
const UnknownUser = "unknown"

// DefaultIdentityTimeout bounds each identity lookup step.
const DefaultIdentityTimeout = 2 * time.Second

// IdentityResolver resolves who is acting, falling through:
// version-control name+email, name only, OS account name, "unknown".
// Each external step is bounded by a short timeout so a hung git never
// blocks an enforcement decision.
type IdentityResolver struct {
	timeout time.Duration
	dir     string
}

// IdentityOption customizes an IdentityResolver.
type IdentityOption func(*IdentityResolver)

// WithIdentityTimeout bounds each lookup step.
func WithIdentityTimeout(d time.Duration) IdentityOption {
	return func(r *IdentityResolver) { r.timeout = d }
}

// WithWorkDir points git lookups at a specific repository.
func WithWorkDir(dir string) IdentityOption {
	return func(r *IdentityResolver) { r.dir = dir }
}

// NewIdentityResolver builds a resolver with the default timeout.
func NewIdentityResolver(opts ...IdentityOption) *IdentityResolver {
	r := &IdentityResolver{timeout: DefaultIdentityTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the best available identity string.
func (r *IdentityResolver) Resolve() string {
	name := r.gitConfig("user.name")
	email := r.gitConfig("user.email")
	switch {
	case name != "" && email != "":
		return fmt.Sprintf("%s <%s>", name, email)
	case name != "":
		return name
	}
	if current, err := user.Current(); err == nil && current.Username != "" {
		return current.Username
	}
	return UnknownUser
}

func (r *IdentityResolver) gitConfig(key string) string {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "config", "--get", key)
	cmd.Dir = r.dir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return ""
	}
	return strings.TrimSpace(out.String())
}
