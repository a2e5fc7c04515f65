// Package oracletest provides a scripted Oracle for tests.
package oracletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ShayCichocki/conductor/internal/oracle"
)

// Step produces one answer.
type Step func(req oracle.Request) (*oracle.Result, error)

// Reply answers with fields.
func Reply(fields map[string]any) Step {
	return func(oracle.Request) (*oracle.Result, error) {
		return &oracle.Result{Fields: fields, Model: "scripted"}, nil
	}
}

// ReplyRepaired answers with fields flagged as a repaired answer.
func ReplyRepaired(fields map[string]any) Step {
	return func(oracle.Request) (*oracle.Result, error) {
		return &oracle.Result{Fields: fields, Repaired: true, Model: "scripted"}, nil
	}
}

// ReplyText parses text against the request schema, like a real binding.
func ReplyText(text string) Step {
	return func(req oracle.Request) (*oracle.Result, error) {
		return oracle.Parse(text, req.Schema)
	}
}

// Fail answers with err.
func Fail(err error) Step {
	return func(oracle.Request) (*oracle.Result, error) {
		return nil, err
	}
}

// Scripted replays steps per purpose. The last step of a script repeats.
type Scripted struct {
	mu      sync.Mutex
	scripts map[string][]Step
	pos     map[string]int
	calls   []oracle.Request
}

// New creates an empty script.
func New() *Scripted {
	return &Scripted{
		scripts: make(map[string][]Step),
		pos:     make(map[string]int),
	}
}

// On appends steps for purpose.
func (s *Scripted) On(purpose string, steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[purpose] = append(s.scripts[purpose], steps...)
	return s
}

// Score implements oracle.Oracle.
func (s *Scripted) Score(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls = append(s.calls, req)
	steps := s.scripts[req.Purpose]
	if len(steps) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("oracletest: no script for purpose %q", req.Purpose)
	}
	i := s.pos[req.Purpose]
	if i < len(steps)-1 {
		s.pos[req.Purpose] = i + 1
	}
	step := steps[i]
	s.mu.Unlock()

	return step(req)
}

// Calls returns every recorded request.
func (s *Scripted) Calls() []oracle.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]oracle.Request(nil), s.calls...)
}

// CallsFor returns the recorded requests with purpose.
func (s *Scripted) CallsFor(purpose string) []oracle.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []oracle.Request
	for _, c := range s.calls {
		if c.Purpose == purpose {
			out = append(out, c)
		}
	}
	return out
}
