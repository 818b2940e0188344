package config

import (
	"path/filepath"
	"testing"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{
		"configurations/web.cue",
		"configurations/nested/db.cue",
		"configurations/nested/README.md",
		"configurations/.hidden/secret.cue",
		"configurations/legacy/old.cue",
		"other/ignored.cue",
	} {
		writeFile(t, root, rel, "")
	}

	tests := []struct {
		name     string
		includes []string
		excludes []string
		want     []string
	}{
		{
			name:     "recursive include",
			includes: []string{"configurations/**/*.cue"},
			want:     []string{"configurations/legacy/old.cue", "configurations/nested/db.cue", "configurations/web.cue"},
		},
		{
			name:     "exclude subtree",
			includes: []string{"configurations/**/*.cue"},
			excludes: []string{"configurations/legacy/**"},
			want:     []string{"configurations/nested/db.cue", "configurations/web.cue"},
		},
		{
			name:     "overlapping includes are deduplicated",
			includes: []string{"configurations/*.cue", "configurations/**/*.cue"},
			excludes: []string{"**/old.cue"},
			want:     []string{"configurations/nested/db.cue", "configurations/web.cue"},
		},
		{
			name:     "leading dot slash and backslashes",
			includes: []string{`./configurations\nested\*.cue`},
			want:     []string{"configurations/nested/db.cue"},
		},
		{
			name:     "no match",
			includes: []string{"missing/**/*.cue"},
			want:     []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Discover(root, tt.includes, tt.excludes)
			require.NoError(t, err)

			want := make([]string, 0, len(tt.want))
			for _, rel := range tt.want {
				want = append(want, filepath.Join(root, filepath.FromSlash(rel)))
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestDiscover_Errors(t *testing.T) {
	root := t.TempDir()

	_, err := Discover(root, nil, nil)
	assert.Error(t, err)

	_, err = Discover(root, []string{"configurations/[.cue"}, nil)
	require.Error(t, err)
	var perr *PatternError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "configurations/[.cue", perr.Pattern)
	assert.ErrorIs(t, err, doublestar.ErrBadPattern)
}
