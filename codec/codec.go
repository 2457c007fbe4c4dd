// Package codec provides named byte transforms used to compress stored values.
package codec

import (
	"errors"
	"fmt"
	"sort"
)

// MaxDecodedSize is the hard cap applied while decoding to refuse compression bombs.
const MaxDecodedSize = 256 * 1024 * 1024 // 256MB

var (
	// ErrUnknownCodec is returned when a codec name is not registered.
	ErrUnknownCodec = errors.New("codec: unknown codec")

	// ErrDecodedTooLarge is returned when decoded output exceeds MaxDecodedSize.
	ErrDecodedTooLarge = errors.New("codec: decoded payload exceeds maximum size")
)

// Codec transforms bytes. Decode must be the exact inverse of Encode.
// Implementations must be safe for concurrent use.
type Codec interface {
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// Names of the built-in codecs. These are persisted as content encoding tags.
const (
	Zstd = "zstd"
	S2   = "s2"
	Gzip = "gzip"
)

// Builtin returns a fresh set of the built-in codecs keyed by name.
func Builtin() (map[string]Codec, error) {
	z, err := NewZstd()
	if err != nil {
		return nil, err
	}
	return map[string]Codec{
		Zstd: z,
		S2:   NewS2(),
		Gzip: NewGzip(),
	}, nil
}

// Registry holds the known codecs and the one selected for writes.
type Registry struct {
	codecs   map[string]Codec
	selected string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCodec registers an additional codec under name, replacing any built-in of the same name.
func WithCodec(name string, c Codec) RegistryOption {
	return func(r *Registry) {
		r.codecs[name] = c
	}
}

// NewRegistry creates a registry with the built-in codecs and selects name for writes.
// An empty name disables compression. An unregistered name returns ErrUnknownCodec.
func NewRegistry(name string, opts ...RegistryOption) (*Registry, error) {
	codecs, err := Builtin()
	if err != nil {
		return nil, err
	}
	r := &Registry{codecs: codecs, selected: name}
	for _, opt := range opts {
		opt(r)
	}
	if name != "" {
		if _, ok := r.codecs[name]; !ok {
			return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownCodec, name, r.Names())
		}
	}
	return r, nil
}

// Selected returns the codec name used for writes, or "" when compression is disabled.
func (r *Registry) Selected() string {
	return r.selected
}

// Names returns the registered codec names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the codec registered under name.
func (r *Registry) Lookup(name string) (Codec, bool) {
	c, ok := r.codecs[name]
	return c, ok
}

// Encode applies the selected codec to value. The encoded form and its tag are
// returned only when it is no longer than value; otherwise value is returned
// unchanged with an empty tag.
func (r *Registry) Encode(value []byte) (data []byte, tag string, err error) {
	if r.selected == "" {
		return value, "", nil
	}
	c := r.codecs[r.selected]
	encoded, err := c.Encode(value)
	if err != nil {
		return nil, "", fmt.Errorf("encoding with %s: %w", r.selected, err)
	}
	if len(encoded) > len(value) {
		return value, "", nil
	}
	return encoded, r.selected, nil
}

// Decode reverses Encode. An empty or unregistered tag returns data unmodified.
func (r *Registry) Decode(data []byte, tag string) ([]byte, error) {
	if tag == "" {
		return data, nil
	}
	c, ok := r.codecs[tag]
	if !ok {
		return data, nil
	}
	decoded, err := c.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", tag, err)
	}
	return decoded, nil
}
