package gateway

import (
	"context"

	"github.com/xizzxy/gatekeeper/internal/limiter"
	"github.com/xizzxy/gatekeeper/internal/policy"
)

// observedSink forwards policy changes to the registry and keeps the policy
// metrics current.
type observedSink struct {
	server *Server
	source string
}

func (s *Server) policySink(source string) policy.Sink {
	return &observedSink{server: s, source: source}
}

func (o *observedSink) Apply(resource string, cfg limiter.Config) error {
	err := o.server.registry.Apply(resource, cfg)
	o.record(err)
	return err
}

func (o *observedSink) Remove(resource string) {
	o.server.registry.Remove(resource)
	o.record(nil)
}

func (o *observedSink) Replace(policies map[string]limiter.Config) error {
	err := o.server.registry.Replace(policies)
	o.record(err)
	return err
}

func (o *observedSink) record(err error) {
	o.server.metrics.RecordPolicyReload(o.source, err)
	o.server.metrics.SetPolicies(len(o.server.registry.Resources()))
}

// startPolicySync follows the configured policy source until ctx is done.
func (s *Server) startPolicySync(ctx context.Context) {
	switch s.config.Gateway.PolicySource {
	case "file":
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := policy.WatchFile(ctx, s.config.Gateway.PolicyFile, s.policySink("file"), s.logger)
			if err != nil {
				s.logger.Error("Policy file watcher stopped", "error", err)
			}
		}()
	case "etcd":
		if s.policies == nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.policies.Watch(ctx, s.policySink("etcd")); err != nil {
				s.logger.Error("Policy watch stopped", "error", err)
			}
		}()
	}
}
