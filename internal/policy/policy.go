// Package policy loads per-resource rate limit policies from a YAML file or
// from etcd and keeps a Sink (the limiter registry) in step with them.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/xizzxy/gatekeeper/internal/limiter"
)

var (
	ErrNotFound        = errors.New("policy not found")
	ErrExists          = errors.New("policy already exists")
	ErrInvalidPolicy   = errors.New("invalid policy")
	errMissingResource = fmt.Errorf("%w: resource name is required", ErrInvalidPolicy)
)

// Policy binds a limiter configuration to a resource.
type Policy struct {
	Resource       string `json:"resource" yaml:"resource"`
	limiter.Config `yaml:",inline"`
	UpdatedAt      time.Time `json:"updated_at,omitempty" yaml:"-"`
}

func (p Policy) Validate() error {
	if p.Resource == "" {
		return errMissingResource
	}
	if err := p.Config.Validate(); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidPolicy, p.Resource, err)
	}
	return nil
}

// Document is the YAML policy file:
//
//	default:
//	  algorithm: token_bucket
//	  capacity: 100
//	  rate_per_second: 10
//	policies:
//	  - resource: login
//	    algorithm: sliding_window_log
//	    limit: 5
//	    window_seconds: 60
type Document struct {
	Default  *limiter.Config `yaml:"default,omitempty"`
	Policies []Policy        `yaml:"policies"`
}

func (d *Document) Validate() error {
	var errs []error
	if d.Default != nil {
		if err := d.Default.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w default: %w", ErrInvalidPolicy, err))
		}
	}

	seen := make(map[string]bool, len(d.Policies))
	if d.Default != nil {
		seen[limiter.DefaultResource] = true
	}
	for _, p := range d.Policies {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[p.Resource] {
			errs = append(errs, fmt.Errorf("%w: resource %q defined twice", ErrInvalidPolicy, p.Resource))
		}
		seen[p.Resource] = true
	}
	return errors.Join(errs...)
}

// Configs flattens the document into the map Sink.Replace expects. The
// default policy appears under limiter.DefaultResource.
func (d *Document) Configs() map[string]limiter.Config {
	out := make(map[string]limiter.Config, len(d.Policies)+1)
	if d.Default != nil {
		out[limiter.DefaultResource] = *d.Default
	}
	for _, p := range d.Policies {
		out[p.Resource] = p.Config
	}
	return out
}

// Sink receives policy changes. *limiter.Registry implements it.
type Sink interface {
	Apply(resource string, cfg limiter.Config) error
	Remove(resource string)
	Replace(policies map[string]limiter.Config) error
}
