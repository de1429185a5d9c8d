package reasons

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalogueCodesAreUnique(t *testing.T) {
	seen := make(map[Code]bool)
	for _, info := range All() {
		require.False(t, seen[info.Code], "duplicate code %s", info.Code)
		seen[info.Code] = true
		require.NotEmpty(t, info.Title)
		require.NotEmpty(t, info.Category)
	}
	require.Len(t, seen, len(catalogue))
}

func TestLookup(t *testing.T) {
	info, ok := Lookup(QueueFull)
	require.True(t, ok)
	require.Equal(t, CategoryQueue, info.Category)

	_, ok = Lookup(Code("nope"))
	require.False(t, ok)
}

func TestSetAndMerge(t *testing.T) {
	require.Equal(t, []string{"schema_valid", "user_override"}, Set(UserOverride, SchemaValid, UserOverride))
	require.Equal(t, []string{"a", "b", "c"}, Merge([]string{"b", "c"}, []string{"a", "b"}))
	require.Empty(t, Set())
}
