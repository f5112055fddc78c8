package streambus

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Factory resolves a URI's scheme to a concrete Stream implementation,
// auto-completing a missing extension from the scheme or the scheme from a
// known extension, per spec §6's URI grammar.
type Factory struct {
	schemeExt map[string]string
	extScheme map[string]string
}

// NewFactory returns a Factory with the built-in jsonl/csv/memory schemes
// registered.
func NewFactory() *Factory {
	return &Factory{
		schemeExt: map[string]string{"jsonl": ".jsonl", "csv": ".csv", "memory": ""},
		extScheme: map[string]string{".jsonl": "jsonl", ".csv": "csv"},
	}
}

// Parse splits a URI into its scheme and path, inferring whichever side is
// missing. "output.jsonl" and "jsonl://output" both resolve to scheme
// "jsonl", path "output.jsonl".
func (f *Factory) Parse(uri string) (scheme, path string, err error) {
	if idx := strings.Index(uri, "://"); idx >= 0 {
		scheme = uri[:idx]
		path = uri[idx+3:]
		if _, ok := f.schemeExt[scheme]; !ok {
			return "", "", newError(KindConfiguration, uri, fmt.Errorf("%w: %q", ErrProtocolUnknown, scheme))
		}
		if ext := f.schemeExt[scheme]; ext != "" && filepath.Ext(path) == "" {
			path += ext
		}
		return scheme, path, nil
	}

	ext := filepath.Ext(uri)
	scheme, ok := f.extScheme[ext]
	if !ok {
		return "", "", newError(KindConfiguration, uri, fmt.Errorf("%w: cannot infer scheme from %q", ErrProtocolUnknown, uri))
	}
	return scheme, uri, nil
}

// New constructs an unopened Stream for the given URI.
func (f *Factory) New(uri string) (Stream, error) {
	scheme, path, err := f.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "jsonl":
		return newJSONLStream(path), nil
	case "csv":
		return newCSVStream(path), nil
	case "memory":
		return newMemoryStream(path), nil
	default:
		return nil, newError(KindConfiguration, uri, fmt.Errorf("%w: %q", ErrProtocolUnknown, scheme))
	}
}

// NewBridge constructs a streaming bridge, used by the pipeline to connect
// adjacent nodes in streaming mode instead of a file-backed intermediate.
func (f *Factory) NewBridge(name string, queueSize int) Stream {
	return newBridgeStream(name, queueSize)
}

// IsDurable reports whether a URI names a storage backend that survives a
// process restart (i.e. not memory://), used to enforce the "recovery
// requested on a memory-backed intermediate is a configuration error" rule.
func (f *Factory) IsDurable(uri string) (bool, error) {
	scheme, _, err := f.Parse(uri)
	if err != nil {
		return false, err
	}
	return scheme != "memory", nil
}
