package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromTransformResult_Valid(t *testing.T) {
	result := Obj(map[string]Value{
		"publisher": Str("github"),
		"resource": Obj(map[string]Value{
			"type": Str("pull_request"),
			"id":   Num(1374),
		}),
		"action":    Str("create"),
		"timestamp": Str("2025-06-03T15:45:02Z"),
	})

	evt, err := FromTransformResult(result, map[string]any{"action": "opened"})
	require.NoError(t, err)
	assert.Equal(t, "github", evt.Publisher)
	assert.Equal(t, "pull_request", evt.Resource.Type)
	assert.Equal(t, "1374", evt.Resource.ID)
	assert.Equal(t, ActionCreated, evt.Action)
	assert.Equal(t, "2025-06-03T15:45:02Z", evt.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
}

func TestFromTransformResult_PresentTenseNormalised(t *testing.T) {
	for present, want := range map[string]Action{
		"create": ActionCreated,
		"update": ActionUpdated,
		"delete": ActionDeleted,
		"read":   ActionRead,
	} {
		result := Obj(map[string]Value{
			"publisher": Str("stripe"),
			"resource":  Obj(map[string]Value{"type": Str("charge"), "id": Str("ch_1")}),
			"action":    Str(present),
		})
		evt, err := FromTransformResult(result, nil)
		require.NoError(t, err)
		assert.Equal(t, want, evt.Action)
	}
}

func TestFromTransformResult_RejectsInvalidAction(t *testing.T) {
	result := Obj(map[string]Value{
		"publisher": Str("github"),
		"resource":  Obj(map[string]Value{"type": Str("issue"), "id": Str("1")}),
		"action":    Str("archived"),
	})
	_, err := FromTransformResult(result, nil)
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestFromTransformResult_RejectsCompositeResourceID(t *testing.T) {
	for _, bad := range []string{"12/34", "12#34", "12 34", ""} {
		result := Obj(map[string]Value{
			"publisher": Str("github"),
			"resource":  Obj(map[string]Value{"type": Str("issue"), "id": Str(bad)}),
			"action":    Str("created"),
		})
		_, err := FromTransformResult(result, nil)
		require.Error(t, err, "expected rejection for id %q", bad)
	}
}

func TestFromTransformResult_RequiresObjectResource(t *testing.T) {
	result := Obj(map[string]Value{
		"publisher": Str("github"),
		"resource":  Str("not-an-object"),
		"action":    Str("created"),
	})
	_, err := FromTransformResult(result, nil)
	require.Error(t, err)
}

func TestResolveTimestamp_UnixSeconds(t *testing.T) {
	result := Obj(map[string]Value{
		"publisher": Str("stripe"),
		"resource":  Obj(map[string]Value{"type": Str("payment_intent"), "id": Str("pi_ABC")}),
		"action":    Str("update"),
		"timestamp": Num(1759961327),
	})
	evt, err := FromTransformResult(result, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1759961327), evt.Timestamp.Unix())
}

func TestValue_Get_DottedPath(t *testing.T) {
	v := Obj(map[string]Value{
		"pull_request": Obj(map[string]Value{
			"id": Num(1374),
		}),
	})
	assert.Equal(t, Num(1374), v.Get("pull_request.id"))
	assert.Equal(t, Undefined, v.Get("pull_request.missing"))
	assert.Equal(t, Undefined, v.Get("nonexistent.path"))
}
