package filter

import (
	"fmt"
	"time"
)

// Fielder exposes the fields a notification makes available to rules.
type Fielder interface {
	Fields() map[string]any
}

// Input carries the values a rule is evaluated against. Fields are bound as
// top-level variables and under "fields"; Type is bound as "kind".
type Input struct {
	Type     string
	Fields   map[string]any
	Metadata map[string]any
	Now      *time.Time
}

// FromNotification builds an input from n. Fields come from Fielder or from a
// map[string]any payload; Type is the Go type name of n.
func FromNotification(n any) Input {
	in := Input{Type: TypeName(n)}
	switch v := n.(type) {
	case Fielder:
		in.Fields = v.Fields()
	case map[string]any:
		in.Fields = v
	}
	return in
}

// TypeName returns the name rules see as "kind".
func TypeName(n any) string {
	if n == nil {
		return ""
	}
	return fmt.Sprintf("%T", n)
}

func (in Input) withDefaults() Input {
	if in.Now == nil {
		now := time.Now()
		in.Now = &now
	}
	if in.Fields == nil {
		in.Fields = map[string]any{}
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	return in
}

func (in Input) timestamp() time.Time {
	if in.Now == nil {
		return time.Now()
	}
	return *in.Now
}

func (in Input) label() string {
	if in.Type != "" {
		return in.Type
	}
	return "unknown"
}

// bindings returns the shared variables every engine exposes.
func (in Input) bindings() map[string]any {
	env := map[string]any{
		"now":      in.timestamp(),
		"kind":     in.Type,
		"fields":   in.Fields,
		"metadata": in.Metadata,
	}
	for key, value := range in.Fields {
		if _, reserved := env[key]; reserved {
			continue
		}
		env[key] = value
	}
	return env
}
