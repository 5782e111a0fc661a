package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeSchemaValue_RoundTrips(t *testing.T) {
	encoded := encodeSchemaValue(42, []byte("hello"))
	schemaID, value, ok := decodeSchemaValue(encoded)
	assert.True(t, ok)
	assert.Equal(t, int32(42), schemaID)
	assert.Equal(t, []byte("hello"), value)
}

func TestEncodeSchemaValue_EmptyValue(t *testing.T) {
	encoded := encodeSchemaValue(1, nil)
	assert.Len(t, encoded, schemaHeaderLen)
	schemaID, value, ok := decodeSchemaValue(encoded)
	assert.True(t, ok)
	assert.Equal(t, int32(1), schemaID)
	assert.Empty(t, value)
}

func TestDecodeSchemaValue_TooShortIsNotOk(t *testing.T) {
	_, _, ok := decodeSchemaValue([]byte{1, 2, 3})
	assert.False(t, ok)
}
