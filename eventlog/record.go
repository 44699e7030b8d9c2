// Package eventlog reads and writes recorded lifecycle streams, one JSON
// document per line, and replays them into a coordinator.
package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-launch/coordinator"
	"github.com/ethereum-optimism/infra/op-launch/types"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMissingField     = errors.New("missing required field")
)

// Record is the wire form of one lifecycle event
type Record struct {
	Type        string            `json:"type"`
	Time        time.Time         `json:"time,omitzero"`
	Group       *types.Scope      `json:"group,omitempty"`
	Case        *types.Scope      `json:"case,omitempty"`
	Execution   string            `json:"execution,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	Status      string            `json:"status,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	Args        []json.RawMessage `json:"args,omitempty"`
	Params      []types.Parameter `json:"params,omitempty"`
}

// Event converts the record into a coordinator event
func (r *Record) Event() (coordinator.Event, error) {
	switch coordinator.EventKind(r.Type) {
	case coordinator.KindGroupEnter:
		if r.Group == nil {
			return nil, fmt.Errorf("%w: group", ErrMissingField)
		}
		return coordinator.GroupEnter{Group: r.Group, Time: r.Time}, nil
	case coordinator.KindGroupExit:
		if r.Group == nil {
			return nil, fmt.Errorf("%w: group", ErrMissingField)
		}
		return coordinator.GroupExit{Group: r.Group, Time: r.Time}, nil
	case coordinator.KindCaseStart:
		if r.Case == nil {
			return nil, fmt.Errorf("%w: case", ErrMissingField)
		}
		if r.Execution == "" {
			return nil, fmt.Errorf("%w: execution", ErrMissingField)
		}
		return coordinator.CaseStart{
			ExecutionID:    r.Execution,
			Case:           r.Case,
			RawDisplayName: r.DisplayName,
			Time:           r.Time,
		}, nil
	case coordinator.KindParameterizedInvocation:
		if r.Execution == "" {
			return nil, fmt.Errorf("%w: execution", ErrMissingField)
		}
		args, err := decodeArgs(r.Args)
		if err != nil {
			return nil, err
		}
		return coordinator.ParameterizedInvocation{
			ExecutionID: r.Execution,
			Args:        args,
			Params:      r.Params,
		}, nil
	case coordinator.KindCaseObserved:
		if r.Execution == "" {
			return nil, fmt.Errorf("%w: execution", ErrMissingField)
		}
		status, err := types.ParseStatus(r.Status)
		if err != nil {
			return nil, err
		}
		ev := coordinator.CaseObserved{
			ExecutionID:    r.Execution,
			Status:         status,
			RawDisplayName: r.DisplayName,
			Time:           r.Time,
		}
		if r.Detail != "" {
			ev.Detail = []byte(r.Detail)
		}
		// A nil *Scope must not become a non-nil Context
		if r.Case != nil {
			ev.Case = r.Case
		}
		return ev, nil
	case coordinator.KindCaseEnd:
		if r.Execution == "" {
			return nil, fmt.Errorf("%w: execution", ErrMissingField)
		}
		return coordinator.CaseEnd{ExecutionID: r.Execution, Time: r.Time}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, r.Type)
	}
}

// NewRecord converts a coordinator event into its wire form
func NewRecord(ev coordinator.Event) (*Record, error) {
	switch e := ev.(type) {
	case coordinator.GroupEnter:
		return &Record{Type: string(e.Kind()), Time: e.Time, Group: ScopeOf(e.Group)}, nil
	case coordinator.GroupExit:
		return &Record{Type: string(e.Kind()), Time: e.Time, Group: ScopeOf(e.Group)}, nil
	case coordinator.CaseStart:
		return &Record{
			Type:        string(e.Kind()),
			Time:        e.Time,
			Case:        ScopeOf(e.Case),
			Execution:   e.ExecutionID,
			DisplayName: e.RawDisplayName,
		}, nil
	case coordinator.ParameterizedInvocation:
		args, err := encodeArgs(e.Args)
		if err != nil {
			return nil, err
		}
		return &Record{
			Type:      string(e.Kind()),
			Execution: e.ExecutionID,
			Args:      args,
			Params:    e.Params,
		}, nil
	case coordinator.CaseObserved:
		return &Record{
			Type:        string(e.Kind()),
			Time:        e.Time,
			Case:        ScopeOf(e.Case),
			Execution:   e.ExecutionID,
			DisplayName: e.RawDisplayName,
			Status:      string(e.Status),
			Detail:      string(e.Detail),
		}, nil
	case coordinator.CaseEnd:
		return &Record{Type: string(e.Kind()), Time: e.Time, Execution: e.ExecutionID}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}
}

// ScopeOf copies any Context chain into plain Scopes
func ScopeOf(c types.Context) *types.Scope {
	if c == nil {
		return nil
	}
	if s, ok := c.(*types.Scope); ok {
		return s
	}
	display, _ := c.DeclaredDisplayName()
	s := &types.Scope{
		Name:        c.ContextName(),
		Tags:        c.DeclaredTags(),
		DisplayName: display,
	}
	if parent := c.EnclosingContext(); parent != nil {
		s.Parent = ScopeOf(parent)
	}
	return s
}

// decodeArgs turns JSON scalars into their natural Go values. Integral numbers
// become int, other numbers float64, and objects or arrays stay compact JSON text.
func decodeArgs(raw []json.RawMessage) ([]any, error) {
	if raw == nil {
		return nil, nil
	}
	args := make([]any, 0, len(raw))
	for i, msg := range raw {
		dec := json.NewDecoder(bytes.NewReader(msg))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decoding argument %d: %w", i, err)
		}
		switch val := v.(type) {
		case json.Number:
			if n, err := val.Int64(); err == nil {
				args = append(args, int(n))
			} else if f, err := val.Float64(); err == nil {
				args = append(args, f)
			} else {
				args = append(args, val.String())
			}
		case map[string]any, []any:
			var buf bytes.Buffer
			if err := json.Compact(&buf, msg); err != nil {
				return nil, fmt.Errorf("compacting argument %d: %w", i, err)
			}
			args = append(args, buf.String())
		default:
			args = append(args, val)
		}
	}
	return args, nil
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	raw := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			// Fall back to the printed form for values JSON cannot carry
			if b, err = json.Marshal(fmt.Sprint(arg)); err != nil {
				return nil, fmt.Errorf("encoding argument %d: %w", i, err)
			}
		}
		raw = append(raw, b)
	}
	return raw, nil
}
