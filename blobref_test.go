package aptg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobRefString(t *testing.T) {
	h := HashBytes([]byte("test"))
	ref := NewBlobRef(h)

	assert.Equal(t, "blake3:"+h.String(), ref.String())
	assert.False(t, ref.IsZero())
	assert.True(t, BlobRef{}.IsZero())
}

func TestParseBlobRef(t *testing.T) {
	validHex := HashBytes([]byte("test")).String()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "blake3 lowercase", input: "blake3:" + validHex},
		{name: "BLAKE3 uppercase algo", input: "BLAKE3:" + validHex},
		{name: "empty", input: "", wantErr: true},
		{name: "no prefix", input: validHex, wantErr: true},
		{name: "sha256 not stored", input: "sha256:" + validHex, wantErr: true},
		{name: "short hash", input: "blake3:abcd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseBlobRef(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, AlgBLAKE3, ref.Alg)
			assert.Equal(t, validHex, ref.Hash.String())
		})
	}
}

func TestBlobRefText(t *testing.T) {
	ref := NewBlobRef(HashBytes([]byte("text")))

	text, err := ref.MarshalText()
	require.NoError(t, err)

	var parsed BlobRef
	require.NoError(t, parsed.UnmarshalText(text))
	require.Equal(t, ref, parsed)
}

func TestBlobStorageKey(t *testing.T) {
	h := HashBytes([]byte("key"))
	key := BlobStorageKey(h)
	assert.Equal(t, "blobs/"+h.String()[:2]+"/"+h.String(), key)

	parsed, err := ParseBlobStorageKey(key)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseBlobStorageKey("blobs/zz/" + h.String())
	require.Error(t, err)
	_, err = ParseBlobStorageKey("meta/" + h.String())
	require.Error(t, err)
}
