package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowsURL(t *testing.T) {
	cfg := Default()
	cfg.AllowedDomains = []string{"gen.example.com", ".oracle.io"}

	tests := []struct {
		url  string
		want bool
	}{
		{"https://gen.example.com/generate-package", true},
		{"http://GEN.example.com:8080/x", true},
		{"https://api.oracle.io/x", true},
		{"https://oracle.io/x", true},
		{"https://evil-gen.example.com.attacker.net/x", false},
		{"https://example.com/x", false},
		{"ftp://gen.example.com/x", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			require.Equal(t, tt.want, cfg.AllowsURL(tt.url))
		})
	}
}

func TestStoreReplaceIsolation(t *testing.T) {
	store, err := NewStore(Default())
	require.NoError(t, err)

	next := Default()
	next.MaxRetries = 7
	next.AllowedDomains = []string{"a.example"}
	require.NoError(t, store.Replace(next))

	next.AllowedDomains[0] = "mutated.example"
	cur := store.Current()
	require.Equal(t, 7, cur.MaxRetries)
	require.Equal(t, []string{"a.example"}, cur.AllowedDomains)

	cur.AllowedDomains[0] = "mutated-again.example"
	require.Equal(t, []string{"a.example"}, store.Current().AllowedDomains)
}

func TestStoreRejectsInvalid(t *testing.T) {
	store, err := NewStore(Default())
	require.NoError(t, err)

	bad := Default()
	bad.MaxRetries = 0
	require.Error(t, store.Replace(bad))
	require.Equal(t, 3, store.Current().MaxRetries)

	bad = Default()
	bad.AllowedDomains = nil
	require.Error(t, store.Replace(bad))
}
