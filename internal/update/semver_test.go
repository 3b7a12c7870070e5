package update

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/operr"
)

func TestParseVersion(t *testing.T) {
	cases := []struct {
		in   string
		want Version
	}{
		{"1.2.3", Version{Major: 1, Minor: 2, Patch: 3}},
		{"v1.2.3", Version{Major: 1, Minor: 2, Patch: 3}},
		{"  v0.0.1 ", Version{Patch: 1}},
		{"1.2.3-rc.1", Version{Major: 1, Minor: 2, Patch: 3, Pre: "rc.1"}},
		{"1.2.3+build.5", Version{Major: 1, Minor: 2, Patch: 3, Build: "build.5"}},
		{"1.2.3-rc.1+build.5", Version{Major: 1, Minor: 2, Patch: 3, Pre: "rc.1", Build: "build.5"}},
		{"10.20.30", Version{Major: 10, Minor: 20, Patch: 30}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseVersion(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseVersionRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"", "1", "1.2", "1.2.3.4", "01.2.3", "1.02.3", "1.2.x",
		"1.2.3-", "1.2.3+", "-1.2.3", "one.two.three",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseVersion(in)
			require.Error(t, err)
			assert.Equal(t, operr.KindInvalidArgument, operr.KindOf(err))
		})
	}
}

func TestVersionString(t *testing.T) {
	for _, s := range []string{"1.2.3", "1.2.3-rc.1", "1.2.3+build.5", "1.2.3-rc.1+build.5"} {
		v, err := ParseVersion(s)
		require.NoError(t, err)
		assert.Equal(t, s, v.String())
	}
	v, err := ParseVersion("v2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", v.String(), "leading v is not preserved")
}

func TestVersionOrdering(t *testing.T) {
	// Ascending, including the semver 2.0 pre-release ladder.
	ordered := []string{
		"0.9.9",
		"1.0.0-alpha",
		"1.0.0-alpha.1",
		"1.0.0-alpha.beta",
		"1.0.0-beta",
		"1.0.0-beta.2",
		"1.0.0-beta.11",
		"1.0.0-rc.1",
		"1.0.0",
		"1.0.1",
		"1.1.0",
		"2.0.0",
	}
	for i := 1; i < len(ordered); i++ {
		lo, err := ParseVersion(ordered[i-1])
		require.NoError(t, err)
		hi, err := ParseVersion(ordered[i])
		require.NoError(t, err)

		assert.Negative(t, lo.Compare(hi), "%s should sort below %s", ordered[i-1], ordered[i])
		assert.Positive(t, hi.Compare(lo), "%s should sort above %s", ordered[i], ordered[i-1])
		assert.True(t, hi.Newer(lo))
		assert.False(t, lo.Newer(hi))
	}
}

func TestVersionBuildMetadataIgnored(t *testing.T) {
	a, err := ParseVersion("1.0.0+linux")
	require.NoError(t, err)
	b, err := ParseVersion("1.0.0+darwin")
	require.NoError(t, err)
	assert.Zero(t, a.Compare(b))
	assert.False(t, a.Newer(b))
}

func TestVersionIsZero(t *testing.T) {
	assert.True(t, Version{}.IsZero())
	v, err := ParseVersion("0.0.1")
	require.NoError(t, err)
	assert.False(t, v.IsZero())
}
