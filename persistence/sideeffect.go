package persistence

import "context"

// SideEffect applies the persistence side-effect contract (spec.md
// §4.6): persist the entity through its single Provider and resolve
// duplicate-key conflicts per policy. The provider's Supports and
// SupportsThreadContext are not consulted. It returns the original item
// unchanged (the SIDE_EFFECT identity law, spec.md §8 invariant 4).
type SideEffect struct {
	Provider Provider
	Policy   DuplicateKeyPolicy
}

// NewSideEffect builds a SideEffect over provider with the given
// duplicate-key policy.
func NewSideEffect(provider Provider, policy DuplicateKeyPolicy) *SideEffect {
	if policy == "" {
		policy = Fail
	}
	return &SideEffect{Provider: provider, Policy: policy}
}

// Call persists entity, applying the duplicate-key policy (spec.md
// §4.6): FAIL propagates the conflict; IGNORE treats it as success
// (the idempotent-resubmission invariant, spec.md §8 invariant 9);
// UPSERT retries via PersistOrUpdate.
func (s *SideEffect) Call(ctx context.Context, entity interface{}) error {
	err := s.Provider.Persist(ctx, entity)
	if err == nil {
		return nil
	}
	if !IsDuplicateKey(err) {
		return Classify("persistence.SideEffect.Call", err)
	}

	switch s.Policy {
	case Ignore:
		return nil
	case Upsert:
		if err := s.Provider.PersistOrUpdate(ctx, entity); err != nil {
			return Classify("persistence.SideEffect.Call", err)
		}
		return nil
	default: // Fail
		return Classify("persistence.SideEffect.Call", err)
	}
}
