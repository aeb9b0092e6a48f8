// Package graph wraps the Bolt graph database used for the region registry.
package graph

import (
	"context"
	"errors"
)

// Client runs parameterised Cypher against the graph.
type Client interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

// Result holds the records returned by one statement.
type Result struct {
	Records []Record
}

// Record maps returned column names to values.
type Record map[string]any

// String returns the string value of key, or "" when absent or of another type.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int returns the integer value of key. Bolt integers arrive as int64.
func (r Record) Int(key string) int {
	switch v := r[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Options configures a graph client.
type Options struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// ErrMissingURI indicates the graph URI is not provided.
var ErrMissingURI = errors.New("graph URI is required")
