package codec

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayloads(t *testing.T) map[string][]byte {
	t.Helper()
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	return map[string][]byte{
		"empty":      {},
		"single":     {0x42},
		"short text": []byte("hello"),
		"repetitive": bytes.Repeat([]byte("sentry event payload "), 512),
		"random":     random,
		"zeros":      make([]byte, 64*1024),
	}
}

func TestBuiltinRoundTrip(t *testing.T) {
	codecs, err := Builtin()
	require.NoError(t, err)

	for name, c := range codecs {
		for label, payload := range testPayloads(t) {
			t.Run(name+"/"+label, func(t *testing.T) {
				encoded, err := c.Encode(payload)
				require.NoError(t, err)

				decoded, err := c.Decode(encoded)
				require.NoError(t, err)
				assert.Equal(t, payload, decoded)
			})
		}
	}
}

func TestNewRegistry(t *testing.T) {
	t.Run("known name", func(t *testing.T) {
		r, err := NewRegistry(Zstd)
		require.NoError(t, err)
		assert.Equal(t, Zstd, r.Selected())
		assert.Equal(t, []string{Gzip, S2, Zstd}, r.Names())
	})

	t.Run("empty name disables compression", func(t *testing.T) {
		r, err := NewRegistry("")
		require.NoError(t, err)
		assert.Empty(t, r.Selected())
	})

	t.Run("unknown name fails at construction", func(t *testing.T) {
		_, err := NewRegistry("lz4")
		require.ErrorIs(t, err, ErrUnknownCodec)
	})

	t.Run("custom codec", func(t *testing.T) {
		r, err := NewRegistry("rev", WithCodec("rev", reverseCodec{}))
		require.NoError(t, err)
		c, ok := r.Lookup("rev")
		require.True(t, ok)
		assert.IsType(t, reverseCodec{}, c)
	})
}

func TestRegistryEncode(t *testing.T) {
	for _, name := range []string{Zstd, S2, Gzip} {
		t.Run(name, func(t *testing.T) {
			r, err := NewRegistry(name)
			require.NoError(t, err)

			for label, payload := range testPayloads(t) {
				data, tag, err := r.Encode(payload)
				require.NoError(t, err, label)

				// Stored size never grows, and a tag is only set when the codec was applied.
				assert.LessOrEqual(t, len(data), len(payload), label)
				if tag == "" {
					assert.Equal(t, payload, data, label)
				} else {
					assert.Equal(t, name, tag, label)
				}

				decoded, err := r.Decode(data, tag)
				require.NoError(t, err, label)
				assert.Equal(t, payload, decoded, label)
			}
		})
	}
}

func TestRegistryEncode_RepetitiveTextIsTagged(t *testing.T) {
	r, err := NewRegistry(Zstd)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("abcdefgh"), 1000)
	data, tag, err := r.Encode(payload)
	require.NoError(t, err)
	assert.Equal(t, Zstd, tag)
	assert.Less(t, len(data), len(payload))
}

func TestRegistryEncode_IncompressibleStaysRaw(t *testing.T) {
	r, err := NewRegistry(Gzip)
	require.NoError(t, err)

	payload := []byte("x")
	data, tag, err := r.Encode(payload)
	require.NoError(t, err)
	assert.Empty(t, tag)
	assert.Equal(t, payload, data)
}

func TestRegistryEncode_Disabled(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("a"), 10000)
	data, tag, err := r.Encode(payload)
	require.NoError(t, err)
	assert.Empty(t, tag)
	assert.Equal(t, payload, data)
}

func TestRegistryEncode_CodecError(t *testing.T) {
	r, err := NewRegistry("broken", WithCodec("broken", failingCodec{}))
	require.NoError(t, err)

	_, _, err = r.Encode([]byte("data"))
	require.ErrorIs(t, err, errBroken)
}

func TestRegistryDecode(t *testing.T) {
	r, err := NewRegistry(Zstd)
	require.NoError(t, err)

	t.Run("empty tag returns bytes unmodified", func(t *testing.T) {
		got, err := r.Decode([]byte("raw"), "")
		require.NoError(t, err)
		assert.Equal(t, []byte("raw"), got)
	})

	t.Run("unknown tag returns bytes unmodified", func(t *testing.T) {
		got, err := r.Decode([]byte("opaque"), "brotli")
		require.NoError(t, err)
		assert.Equal(t, []byte("opaque"), got)
	})

	t.Run("decodes with a codec other than the selected one", func(t *testing.T) {
		payload := bytes.Repeat([]byte("gzip me "), 100)
		encoded, err := NewGzip().Encode(payload)
		require.NoError(t, err)

		got, err := r.Decode(encoded, Gzip)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("corrupt payload", func(t *testing.T) {
		_, err := r.Decode([]byte("definitely not zstd"), Zstd)
		require.Error(t, err)
	})
}

type reverseCodec struct{}

func (reverseCodec) Encode(src []byte) ([]byte, error) { return reverse(src), nil }
func (reverseCodec) Decode(src []byte) ([]byte, error) { return reverse(src), nil }

func reverse(src []byte) []byte {
	out := make([]byte, len(src))
	for i, b := range src {
		out[len(src)-1-i] = b
	}
	return out
}

var errBroken = errors.New("broken codec")

type failingCodec struct{}

func (failingCodec) Encode([]byte) ([]byte, error) { return nil, errBroken }
func (failingCodec) Decode([]byte) ([]byte, error) { return nil, errBroken }
