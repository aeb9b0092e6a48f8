package graph

import (
	"context"
	"maps"
	"sync"
)

// Statement is a Cypher statement and its parameters as seen by MemoryClient.
type Statement struct {
	Query  string
	Params map[string]any
}

// MemoryClient records statements instead of sending them to a database. Reads are
// answered by the Reader hook when set.
type MemoryClient struct {
	mu     sync.Mutex
	writes []Statement
	reads  []Statement
	err    error

	// Reader answers ExecuteRead calls. A nil Reader returns an empty Result.
	Reader func(Statement) (Result, error)
}

// NewMemoryClient returns an empty recorder.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{}
}

// FailWith makes every subsequent call return err.
func (m *MemoryClient) FailWith(err error) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

func (m *MemoryClient) ExecuteWrite(_ context.Context, cypher string, params map[string]any) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Result{}, m.err
	}
	m.writes = append(m.writes, Statement{Query: cypher, Params: maps.Clone(params)})
	return Result{}, nil
}

func (m *MemoryClient) ExecuteRead(_ context.Context, cypher string, params map[string]any) (Result, error) {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return Result{}, m.err
	}
	st := Statement{Query: cypher, Params: maps.Clone(params)}
	m.reads = append(m.reads, st)
	reader := m.Reader
	m.mu.Unlock()

	if reader == nil {
		return Result{}, nil
	}
	return reader(st)
}

func (m *MemoryClient) VerifyConnectivity(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *MemoryClient) Close(context.Context) error {
	return nil
}

// Writes returns the recorded write statements in call order.
func (m *MemoryClient) Writes() []Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Statement(nil), m.writes...)
}

// Reads returns the recorded read statements in call order.
func (m *MemoryClient) Reads() []Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Statement(nil), m.reads...)
}
