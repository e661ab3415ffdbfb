package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractGatewayToken(t *testing.T) {
	t.Run("Should prefer the connect payload over headers", func(t *testing.T) {
		header := http.Header{}
		header.Set(HeaderGatewayToken, "gt_header")
		header.Set(HeaderAuthorization, "Bearer gt_bearer")

		token, ok := ExtractGatewayToken("gt_payload", header)
		assert.True(t, ok)
		assert.Equal(t, "gt_payload", token)
	})

	t.Run("Should prefer X-Gateway-Token over Authorization", func(t *testing.T) {
		header := http.Header{}
		header.Set(HeaderGatewayToken, "gt_header")
		header.Set(HeaderAuthorization, "Bearer gt_bearer")

		token, ok := ExtractGatewayToken("", header)
		assert.True(t, ok)
		assert.Equal(t, "gt_header", token)
	})

	t.Run("Should fall back to the bearer token", func(t *testing.T) {
		header := http.Header{}
		header.Set(HeaderAuthorization, "Bearer gt_bearer")

		token, ok := ExtractGatewayToken("", header)
		assert.True(t, ok)
		assert.Equal(t, "gt_bearer", token)
	})

	t.Run("Should accept case-insensitive bearer scheme", func(t *testing.T) {
		header := http.Header{}
		header.Set(HeaderAuthorization, "bearer gt_bearer")

		token, ok := ExtractGatewayToken("", header)
		assert.True(t, ok)
		assert.Equal(t, "gt_bearer", token)
	})

	t.Run("Should trim surrounding whitespace", func(t *testing.T) {
		header := http.Header{}
		header.Set(HeaderGatewayToken, "  gt_header  ")

		token, ok := ExtractGatewayToken("", header)
		assert.True(t, ok)
		assert.Equal(t, "gt_header", token)
	})

	t.Run("Should report no token when nothing is offered", func(t *testing.T) {
		_, ok := ExtractGatewayToken("", http.Header{})
		assert.False(t, ok)
	})

	t.Run("Should ignore non-bearer authorization schemes", func(t *testing.T) {
		header := http.Header{}
		header.Set(HeaderAuthorization, "Basic dXNlcjpwYXNz")

		_, ok := ExtractGatewayToken("", header)
		assert.False(t, ok)
	})

	t.Run("Should ignore empty bearer values", func(t *testing.T) {
		header := http.Header{}
		header.Set(HeaderAuthorization, "Bearer ")

		_, ok := ExtractGatewayToken("", header)
		assert.False(t, ok)
	})
}
