package services_test

import (
	"testing"

	"github.com/castlegate/casd/internal/cas/services"
	"github.com/stretchr/testify/require"
)

func TestAllowlist(t *testing.T) {
	t.Parallel()

	al, err := services.New([]string{
		"https://*.example.org/**",
		"https://app.example.org",
		" https://exact.example.net/cb ",
	})
	require.NoError(t, err)

	t.Run("wildcard host and path", func(t *testing.T) {
		require.True(t, al.IsAuthorized("https://shop.example.org/checkout/done"))
		require.True(t, al.IsAuthorized("https://api.example.org/v2"))
	})

	t.Run("exact match", func(t *testing.T) {
		require.True(t, al.IsAuthorized("https://app.example.org"))
		require.True(t, al.IsAuthorized("https://exact.example.net/cb"))
	})

	t.Run("separator stops host wildcards", func(t *testing.T) {
		require.False(t, al.IsAuthorized("https://evil.org/https://app.example.org"))
		require.False(t, al.IsAuthorized("https://example.org.evil.net/"))
	})

	t.Run("miss", func(t *testing.T) {
		require.False(t, al.IsAuthorized("https://other.net/cb"))
	})
}

func TestAllowlistEmptyDeniesAll(t *testing.T) {
	t.Parallel()

	al, err := services.New(nil)
	require.NoError(t, err)
	require.False(t, al.IsAuthorized("https://app.example.org"))
}

func TestAllowlistBadPattern(t *testing.T) {
	t.Parallel()

	_, err := services.New([]string{"https://[broken"})
	require.Error(t, err)
}
