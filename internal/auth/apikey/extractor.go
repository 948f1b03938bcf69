package apikey

import (
	"net/http"
	"strings"
)

// Extractor defines the interface for extracting API keys from HTTP requests.
type Extractor interface {
	// Extract extracts an API key from the request.
	Extract(r *http.Request) (string, error)
}

// HeaderExtractor extracts API keys from HTTP headers.
type HeaderExtractor struct {
	header string
}

// NewHeaderExtractor creates a new header extractor.
// If header is empty, it defaults to "X-API-Key".
func NewHeaderExtractor(header string) *HeaderExtractor {
	if header == "" {
		header = DefaultHeader
	}
	return &HeaderExtractor{
		header: header,
	}
}

// Extract extracts the API key from the header.
func (e *HeaderExtractor) Extract(r *http.Request) (string, error) {
	value := strings.TrimSpace(r.Header.Get(e.header))
	if value == "" {
		return "", ErrMissingToken
	}
	return value, nil
}

// BearerExtractor extracts API keys from the Authorization header.
type BearerExtractor struct {
	scheme string
}

// NewBearerExtractor creates a new Authorization header extractor.
// If scheme is empty, it defaults to "Bearer".
func NewBearerExtractor(scheme string) *BearerExtractor {
	if scheme == "" {
		scheme = "Bearer"
	}
	return &BearerExtractor{
		scheme: scheme,
	}
}

// Extract extracts the API key from the Authorization header.
func (e *BearerExtractor) Extract(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	prefix := e.scheme + " "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", ErrMissingToken
	}

	value := strings.TrimSpace(auth[len(prefix):])
	if value == "" {
		return "", ErrMissingToken
	}
	return value, nil
}

// CompositeExtractor tries multiple extractors in order.
type CompositeExtractor struct {
	extractors []Extractor
}

// NewCompositeExtractor creates a new composite extractor.
func NewCompositeExtractor(extractors ...Extractor) *CompositeExtractor {
	return &CompositeExtractor{
		extractors: extractors,
	}
}

// Extract tries each extractor in order and returns the first successful result.
func (e *CompositeExtractor) Extract(r *http.Request) (string, error) {
	for _, extractor := range e.extractors {
		key, err := extractor.Extract(r)
		if err == nil && key != "" {
			return key, nil
		}
	}
	return "", ErrMissingToken
}

// DefaultExtractor returns an extractor that checks the header first and
// then "Authorization: Bearer".
func DefaultExtractor(header string) Extractor {
	return NewCompositeExtractor(
		NewHeaderExtractor(header),
		NewBearerExtractor("Bearer"),
	)
}

// ExtractorFunc is a function type that implements Extractor.
type ExtractorFunc func(r *http.Request) (string, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(r *http.Request) (string, error) {
	return f(r)
}
