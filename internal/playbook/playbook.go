package playbook

import (
	"context"
	"time"

	"grace/internal/api"
)

// Playbook is one remediation procedure. Execute mutates, Verify checks
// the failure is actually gone, Rollback undoes a half-applied remedy.
// DryRun must be side-effect free.
type Playbook interface {
	ID() string
	Kinds() []string
	MTTRTarget() time.Duration
	Applicable(f api.Failure) bool
	DryRun(ctx context.Context, f api.Failure) error
	Execute(ctx context.Context, f api.Failure) error
	Verify(ctx context.Context, f api.Failure) error
	Rollback(ctx context.Context, f api.Failure) error
}

// Steps is the closure-based playbook used by the built-in catalogue.
// Nil hooks default to no-ops; a nil Check means Execute's success is
// trusted.
type Steps struct {
	Name         string
	FailureKinds []string
	Target       time.Duration
	Match        func(f api.Failure) bool
	Run          func(ctx context.Context, f api.Failure) error
	Probe        func(ctx context.Context, f api.Failure) error
	Check        func(ctx context.Context, f api.Failure) error
	Undo         func(ctx context.Context, f api.Failure) error
}

func (s *Steps) ID() string                { return s.Name }
func (s *Steps) Kinds() []string           { return s.FailureKinds }
func (s *Steps) MTTRTarget() time.Duration { return s.Target }

func (s *Steps) Applicable(f api.Failure) bool {
	for _, kind := range s.FailureKinds {
		if kind == f.Kind {
			if s.Match != nil {
				return s.Match(f)
			}
			return true
		}
	}
	return false
}

func (s *Steps) DryRun(ctx context.Context, f api.Failure) error {
	if s.Probe == nil {
		return nil
	}
	return s.Probe(ctx, f)
}

func (s *Steps) Execute(ctx context.Context, f api.Failure) error {
	if s.Run == nil {
		return nil
	}
	return s.Run(ctx, f)
}

func (s *Steps) Verify(ctx context.Context, f api.Failure) error {
	if s.Check == nil {
		return nil
	}
	return s.Check(ctx, f)
}

func (s *Steps) Rollback(ctx context.Context, f api.Failure) error {
	if s.Undo == nil {
		return nil
	}
	return s.Undo(ctx, f)
}
