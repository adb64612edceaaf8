package notifier

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Event names pushed to observers
const (
	EventTaskAssigned   = "task:assigned"
	EventTaskStatus     = "task:status"
	EventTaskCreated    = "task:created"
	EventDriverLocation = "driver:location"
)

// TargetKind audience of a push
type TargetKind string

const (
	TargetDriver  TargetKind = "driver"
	TargetSociety TargetKind = "society"
	TargetAll     TargetKind = "all"
)

// Target one audience: a driver, the observers of a society, or everyone
type Target struct {
	Kind TargetKind
	ID   string
}

func Driver(id string) Target  { return Target{Kind: TargetDriver, ID: id} }
func Society(id string) Target { return Target{Kind: TargetSociety, ID: id} }
func All() Target              { return Target{Kind: TargetAll} }

// Key renders the target as a path segment, e.g. "driver:42" with sep ":"
func (t Target) Key(sep string) string {
	if t.Kind == TargetAll {
		return string(TargetAll)
	}
	return string(t.Kind) + sep + t.ID
}

func (t Target) validate() error {
	switch t.Kind {
	case TargetAll:
		return nil
	case TargetDriver, TargetSociety:
		if t.ID == "" {
			return fmt.Errorf("notify target %s requires an id", t.Kind)
		}
		return nil
	}
	return fmt.Errorf("unknown notify target %q", t.Kind)
}

// Notifier pushes realtime events to observers. Delivery is best-effort.
type Notifier interface {
	Push(ctx context.Context, target Target, event string, payload any) error
}

// Nop drops everything
type Nop struct{}

func (Nop) Push(context.Context, Target, string, any) error { return nil }

// Multi fans out to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Push(ctx context.Context, target Target, event string, payload any) error {
	var errs []error
	for _, n := range m {
		if err := n.Push(ctx, target, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logged wraps a notifier so failures are logged and swallowed
type Logged struct {
	next   Notifier
	logger *zap.Logger
}

func NewLogged(next Notifier, logger *zap.Logger) *Logged {
	return &Logged{next: next, logger: logger}
}

// Ensure returns n wrapped in Logged unless it already is one. nil becomes Nop.
func Ensure(n Notifier, logger *zap.Logger) Notifier {
	switch n := n.(type) {
	case nil:
		return Nop{}
	case Nop, *Logged:
		return n
	}
	return NewLogged(n, logger)
}

func (l *Logged) Push(ctx context.Context, target Target, event string, payload any) error {
	if err := l.next.Push(ctx, target, event, payload); err != nil {
		l.logger.Warn("Failed to push notification",
			zap.String("target", target.Key(":")),
			zap.String("event", event),
			zap.Error(err),
		)
	}
	return nil
}
