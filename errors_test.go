package volcache

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := fmt.Errorf("wrapped: %w", newError(KindIO, "save", "k", cause))

	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.False(t, IsValidation(err))
	assert.False(t, IsReserve(err))
	assert.Equal(t, "wrapped: volcache: save: disk full", err.Error())

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindIO, e.Kind)
	assert.Equal(t, "k", e.Key)

	// Sentinels only match by kind, not each other.
	assert.NotErrorIs(t, ErrIO, ErrValidation)
	assert.ErrorIs(t, ErrReserve, ErrReserve)
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "validation error", KindValidation.String())
	assert.Equal(t, "reserve cache error", KindReserve.String())
	assert.Equal(t, "io error", KindIO.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
	assert.Equal(t, "volcache: io error", ErrIO.Error())
}

func TestValidateKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		maxLen  int
		wantErr string
	}{
		{name: "ok", key: "linux-deps-abc123"},
		{name: "empty", key: "", wantErr: "cannot be empty"},
		{name: "comma", key: "a,b", wantErr: "cannot contain commas"},
		{name: "at limit", key: strings.Repeat("a", 10), maxLen: 10},
		{name: "over limit", key: strings.Repeat("a", 11), maxLen: 10, wantErr: "cannot be larger than 10 characters"},
		{name: "counts characters", key: strings.Repeat("ü", 10), maxLen: 10},
		{name: "default limit", key: strings.Repeat("a", DefaultMaxKeyLength+1), wantErr: "cannot be larger than 512"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateKey(tt.key, tt.maxLen)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.Contains(t, err.Error(), "key validation")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidatePaths(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidatePaths([]string{"a"}))

	err := ValidatePaths(nil)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "path validation")

	assert.True(t, IsValidation(ValidatePaths([]string{"a", ""})))
}

func TestKeysEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, KeysEqual("linux-deps", "linux-deps"))
	assert.True(t, KeysEqual("Linux-Deps", "linux-deps"))
	assert.False(t, KeysEqual("resume", "résumé"))
	assert.False(t, KeysEqual("deps-1", "deps-2"))

	m := Match{Key: "Build-1", Entry: Entry{Name: "Build-1.tar.lz4"}}
	assert.True(t, m.ExactHit("build-1"))
	assert.False(t, Match{}.ExactHit(""))
}
