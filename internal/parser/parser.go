// Package parser defines the PSP parser port the normalizer dispatches to
// and the registry that resolves a parser by (psp_name, schema_version).
// Per-vendor parsers plug in through Register; the generic JSON parser in
// this package covers PSPs with a conventional webhook shape.
package parser

import (
	"errors"
	"fmt"
	"sync"

	"github.com/settleline/recond/internal/model"
)

var (
	// ErrParserNotFound is returned when no parser is registered for a
	// connection's (psp_name, schema_version).
	ErrParserNotFound = errors.New("no parser registered")
)

// ParseError marks a payload the parser could not decode. Parse failures
// are non-retriable; the pipeline dead-letters them with the diagnostic.
type ParseError struct {
	Parser     string
	Diagnostic string
	Cause      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parser %s: %s", e.Parser, e.Diagnostic)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError builds a ParseError.
func NewParseError(parser, diagnostic string, cause error) *ParseError {
	return &ParseError{Parser: parser, Diagnostic: diagnostic, Cause: cause}
}

// Parser decodes raw PSP bytes into parsed events. Parsers must validate
// every event they emit (psp_event_id and canonical event type present).
type Parser interface {
	Name() string
	Parse(payload []byte, format model.PayloadFormat) ([]model.ParsedEvent, error)
}

type registryKey struct {
	psp     string
	version string
}

// Registry resolves parsers by PSP name and schema version.
type Registry struct {
	mu      sync.RWMutex
	parsers map[registryKey]Parser
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[registryKey]Parser)}
}

// Register binds a parser to (psp, schemaVersion). Later registrations for
// the same key win; config reload re-registers.
func (r *Registry) Register(psp, schemaVersion string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[registryKey{psp: psp, version: schemaVersion}] = p
}

// Resolve returns the parser for (psp, schemaVersion), falling back to the
// PSP's unversioned registration.
func (r *Registry) Resolve(psp, schemaVersion string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.parsers[registryKey{psp: psp, version: schemaVersion}]; ok {
		return p, nil
	}
	if p, ok := r.parsers[registryKey{psp: psp}]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w for psp %q schema %q", ErrParserNotFound, psp, schemaVersion)
}
