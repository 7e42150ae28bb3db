package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopePrefix(t *testing.T) {
	cases := []struct {
		scope string
		want  string
	}{
		{"", ""},
		{"/a/b/c.txt", "/a/b/"},
		{"/a/b/", "/a/b/"},
		{"/a", "/"},
		{"repo.git", "repo.git"},
		{"a/b", "a/"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ScopePrefix(tc.scope), "scope %q", tc.scope)
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "deny-all", LevelDenyAll.String())
	assert.Equal(t, "ask-every-time", LevelAskAlways.String())
	assert.Equal(t, "ask-once-then-remember", LevelAskOnce.String())
	assert.Equal(t, "allow-and-log", LevelAllowAndLog.String())
	assert.Equal(t, "unknown", Level(7).String())
}

func TestLevelValid(t *testing.T) {
	for l := LevelDenyAll; l <= LevelAllowAndLog; l++ {
		assert.True(t, l.Valid())
	}
	assert.False(t, Level(-1).Valid())
	assert.False(t, Level(4).Valid())
}

func TestImpliedRisk(t *testing.T) {
	assert.Equal(t, 3, (&Request{Risk: 3}).ImpliedRisk(), "explicit risk wins")
	assert.Equal(t, 1, (&Request{Reversible: true}).ImpliedRisk())
	assert.Equal(t, 2, (&Request{Reversible: false}).ImpliedRisk(), "irreversible raises the floor")
	assert.Equal(t, 2, (&Request{Reversible: true, Cloud: true}).ImpliedRisk(), "cloud egress raises the floor")
}

func TestAttributes(t *testing.T) {
	req := &Request{Tool: "fs.write", Action: "write", Scope: "/tmp/x", Reversible: true}
	attrs := req.Attributes()
	assert.Equal(t, "fs.write", attrs["tool"])
	assert.Equal(t, "/tmp/x", attrs["scope"])
	assert.Equal(t, 1, attrs["risk"])
	assert.Equal(t, false, attrs["cloud"])
}
