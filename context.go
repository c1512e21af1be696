package uow

import "context"

type ambientKey struct{}

// AmbientScope returns the innermost live scope for ctx, or nil. Scopes
// disposed since ctx was derived are skipped in favour of their closest live
// ancestor, and a chain that has ended leaves no ambient scope.
func AmbientScope(ctx context.Context) *Scope {
	s := scopeFromContext(ctx)
	if s == nil {
		return nil
	}
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.finalizing {
		return nil
	}
	for s != nil && s.disposed {
		s = s.parent
	}
	return s
}

// ChainIDFromContext returns the chain ctx was derived in. It keeps
// reporting the chain while that chain finalizes, so sinks can correlate
// delivered notifications.
func ChainIDFromContext(ctx context.Context) (ChainID, bool) {
	s := scopeFromContext(ctx)
	if s == nil {
		return ChainID{}, false
	}
	return s.ChainID(), true
}

func scopeFromContext(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(ambientKey{}).(*Scope)
	return s
}

func withAmbientScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, ambientKey{}, s)
}
