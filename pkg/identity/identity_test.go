package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentify(t *testing.T) {
	r := New(Options{})

	tests := []struct {
		name  string
		value map[string]any
		want  string
	}{
		{
			name:  "typename and string id",
			value: map[string]any{"__typename": "User", "id": "u1"},
			want:  "User:u1",
		},
		{
			name:  "numeric id",
			value: map[string]any{"__typename": "User", "id": float64(42)},
			want:  "User:42",
		},
		{
			name:  "missing typename",
			value: map[string]any{"id": "u1"},
			want:  "",
		},
		{
			name:  "missing id",
			value: map[string]any{"__typename": "User"},
			want:  "",
		},
		{
			name:  "null id",
			value: map[string]any{"__typename": "User", "id": nil},
			want:  "",
		},
		{
			name:  "nil value",
			value: nil,
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Identify(tt.value))
		})
	}
}

func TestIdentifyWithKeyer(t *testing.T) {
	assert := assert.New(t)
	r := New(Options{
		Keys: map[string]Keyer{
			"User": func(v map[string]any) string {
				email, _ := v["email"].(string)
				return email
			},
		},
	})

	assert.Equal("User:a@x", r.Identify(map[string]any{"__typename": "User", "email": "a@x"}))
	// Keyer returning empty means no identity, even when an id field exists.
	assert.Equal("", r.Identify(map[string]any{"__typename": "User", "id": "u1"}))
}

func TestInterfaceKeyerAppliesToImplementers(t *testing.T) {
	assert := assert.New(t)
	r := New(Options{
		Keys: map[string]Keyer{
			"Post": func(v map[string]any) string {
				slug, _ := v["slug"].(string)
				return slug
			},
		},
		Interfaces: map[string][]string{
			"Post": {"AudioPost", "VideoPost"},
		},
	})

	assert.Equal("AudioPost:intro", r.Identify(map[string]any{"__typename": "AudioPost", "slug": "intro"}))
}

func TestImplementersAndSatisfies(t *testing.T) {
	assert := assert.New(t)
	r := New(Options{
		Interfaces: map[string][]string{
			"Post": {"AudioPost", "VideoPost"},
		},
	})

	impls := r.Implementers("Post")
	assert.Len(impls, 2)
	assert.Contains(impls, "AudioPost")
	assert.Empty(r.Implementers("Nope"))

	assert.True(r.Satisfies("AudioPost", "Post"))
	assert.True(r.Satisfies("User", "User"))
	assert.False(r.Satisfies("User", "Post"))
}
