package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteIdent(t *testing.T) {
	t.Run("plain identifiers pass through quoted", func(t *testing.T) {
		for _, name := range []string{
			"cache",
			"xd9537c9bc11580f868e3fc372dafdb94",
			"cache_config",
			"_private",
		} {
			quoted, err := QuoteIdent(name)
			require.NoError(t, err, name)
			assert.Equal(t, `"`+name+`"`, quoted)
		}
	})

	t.Run("injection attempts are rejected", func(t *testing.T) {
		for _, name := range []string{
			"",
			"x; DROP TABLE cache.cached",
			`x"y`,
			"CamelCase",
			"1starts_with_digit",
			"has space",
			"has.dot",
		} {
			_, err := QuoteIdent(name)
			assert.Error(t, err, name)
		}
	})
}
