package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Deterministic(t *testing.T) {
	payload := map[string]any{
		"action": "opened",
		"pull_request": map[string]any{
			"id":         float64(1374),
			"created_at": "2025-06-03T15:45:02Z",
		},
		"repository": map[string]any{"id": float64(987)},
	}

	fp1 := Generate(payload)
	fp2 := Generate(payload)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)
}

func TestGenerate_ShapeSensitiveOnly(t *testing.T) {
	base := map[string]any{
		"action": "opened",
		"pull_request": map[string]any{
			"id": float64(1374),
		},
	}
	changedValue := map[string]any{
		"action": "closed",
		"pull_request": map[string]any{
			"id": float64(9999),
		},
	}

	require.Equal(t, Generate(base), Generate(changedValue), "value changes that preserve shape must not change the fingerprint")

	changedShape := map[string]any{
		"action": "opened",
		"pull_request": map[string]any{
			"id":      float64(1374),
			"another": "field",
		},
	}
	assert.NotEqual(t, Generate(base), Generate(changedShape), "added key must change the fingerprint")

	changedType := map[string]any{
		"action": "opened",
		"pull_request": map[string]any{
			"id": "1374", // string instead of number
		},
	}
	assert.NotEqual(t, Generate(base), Generate(changedType), "scalar type change must change the fingerprint")
}

func TestSkeleton_EdgeCases(t *testing.T) {
	t.Run("empty object", func(t *testing.T) {
		s := Skeleton(map[string]any{})
		assert.Equal(t, "{}", CanonicalString(s))
	})

	t.Run("empty list kept as empty list", func(t *testing.T) {
		s := Skeleton(map[string]any{"items": []any{}})
		assert.Equal(t, []any{}, s["items"])
	})

	t.Run("list of primitives collapses to one element", func(t *testing.T) {
		s := Skeleton(map[string]any{"tags": []any{"a", "b", "c"}})
		assert.Equal(t, []any{"string"}, s["tags"])
	})

	t.Run("list of objects collapses to first element's skeleton", func(t *testing.T) {
		s := Skeleton(map[string]any{
			"items": []any{
				map[string]any{"id": float64(1)},
				map[string]any{"id": "not-even-the-same-type"},
			},
		})
		assert.Equal(t, []any{map[string]any{"id": "number"}}, s["items"])
	})

	t.Run("null maps to null type name", func(t *testing.T) {
		s := Skeleton(map[string]any{"deleted_at": nil})
		assert.Equal(t, "null", s["deleted_at"])
	})
}

func TestCanonicalString_SortsKeys(t *testing.T) {
	s := Skeleton(map[string]any{"z": "x", "a": float64(1), "m": true})
	assert.Equal(t, `{"a":"number","m":"boolean","z":"string"}`, CanonicalString(s))
}
