// Package nl2sql asks a text generation backend for SQL and extracts a
// single candidate statement from the reply.
package nl2sql

import (
	"context"
	"errors"
)

var (
	ErrBackendUnavailable = errors.New("generation backend unavailable")
	ErrBackendTimeout     = errors.New("generation backend timed out")
)

// Completion is one chat request: a system and a user message plus
// sampling settings. JSON asks for a structured {sql, assumptions} reply
// when the backend supports it.
type Completion struct {
	System      string
	User        string
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
	JSON        bool
}

type Backend interface {
	Name() string
	Complete(ctx context.Context, req Completion) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Completion) (string, error)

func (f BackendFunc) Name() string {
	return "func"
}

func (f BackendFunc) Complete(ctx context.Context, req Completion) (string, error) {
	return f(ctx, req)
}

// Result is the outcome of one generation. An empty SQL means nothing
// could be extracted from RawText, which is a normal outcome and not an
// error.
type Result struct {
	RawText     string   `json:"raw_text"`
	SQL         string   `json:"sql,omitempty"`
	Assumptions []string `json:"assumptions,omitempty"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
}

func (r Result) HasSQL() bool {
	return r.SQL != ""
}
