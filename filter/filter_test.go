package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchIsCaseInsensitiveSubstring(t *testing.T) {
	f := New([]string{"windows"})

	assert.True(t, f.Match("Windows 11 Pro"))
	assert.True(t, f.Match("WINDOWS"))
	assert.False(t, f.Match("macOS"))
}

func TestWildcardMatchesEverything(t *testing.T) {
	f := New([]string{"*"})

	assert.True(t, f.Match("Android"))
	assert.True(t, f.Match(""))
	assert.True(t, f.AllowsAll())
}

func TestEmptyRulesBecomeWildcard(t *testing.T) {
	f := New(nil)
	assert.True(t, f.AllowsAll())

	f = New([]string{"", "  "})
	assert.True(t, f.AllowsAll())
}

func TestBlankOSIsUnknown(t *testing.T) {
	f := New([]string{"windows", "ios"})
	assert.False(t, f.Match(""))
	assert.False(t, f.Match("   "))

	// An explicit unknown rule admits blank OS records
	f = New([]string{"unknown"})
	assert.True(t, f.Match(""))
}

func TestNormalizeSplitsCommaLists(t *testing.T) {
	rules := Normalize([]string{"Windows, iOS", " macOS "})
	assert.Equal(t, []string{"windows", "ios", "macos"}, rules)
}

func TestMultipleRules(t *testing.T) {
	f := New([]string{"windows", "ios"})

	assert.True(t, f.Match("Windows 10"))
	assert.True(t, f.Match("iOS 17.2"))
	assert.False(t, f.Match("Android 14"))
	assert.False(t, f.Match("macOS Sonoma"))
}
