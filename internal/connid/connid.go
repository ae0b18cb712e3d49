// Package connid generates connection ids.
package connid

import "github.com/google/uuid"

// Provider assigns ids to new connections. A UUID avoids the need for
// callers to coordinate a shared counter across goroutines.
type Provider struct{}

// NewProvider creates a Provider.
func NewProvider() *Provider { return &Provider{} }

// New returns a fresh connection id.
func (p *Provider) New() string {
	return uuid.NewString()
}
