package moderation

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	gate := New(WithTerms("blockedword"))

	tests := []struct {
		name    string
		text    string
		allowed bool
		reason  string
	}{
		{name: "plain text passes", text: "hello there", allowed: true},
		{name: "empty body rejected", text: "", allowed: false, reason: ReasonEmpty},
		{name: "whitespace-only rejected", text: "   \n\t ", allowed: false, reason: ReasonEmpty},
		{name: "blocked term rejected", text: "this is blockedword here", allowed: false, reason: ReasonModeration},
		{name: "match is case-insensitive", text: "BlOcKeDwOrD", allowed: false, reason: ReasonModeration},
		{name: "substring match", text: "xblockedwordx", allowed: false, reason: ReasonModeration},
		{name: "default terms apply", text: "get your CRYPTO GIVEAWAY now", allowed: false, reason: ReasonModeration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := gate.Classify(tt.text)
			assert.Equal(t, tt.allowed, res.Allowed)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestClassifyUnicodeFolding(t *testing.T) {
	gate := New(WithTerms("straße"))

	// Full case folding equates ß with ss.
	res := gate.Classify("meet me at STRASSE corner")
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonModeration, res.Reason)
}

func TestReloadFromFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/parley/blocklist.txt", []byte("# comment\nforbidden\n\n"), 0o644))

	gate := New(WithFile(fs, "/etc/parley/blocklist.txt"))

	assert.False(t, gate.Classify("this is forbidden content").Allowed)
	// Built-in defaults survive a file load.
	assert.False(t, gate.Classify("viagra for sale").Allowed)
	assert.True(t, gate.Classify("perfectly fine").Allowed)

	// Changing the file and reloading swaps the extra terms.
	require.NoError(t, afero.WriteFile(fs, "/etc/parley/blocklist.txt", []byte("different\n"), 0o644))
	require.NoError(t, gate.Reload())

	assert.True(t, gate.Classify("this is forbidden content").Allowed)
	assert.False(t, gate.Classify("something different here").Allowed)
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	gate := New(WithFile(fs, "/nope/blocklist.txt"))

	assert.True(t, gate.Classify("hello").Allowed)
	assert.False(t, gate.Classify("free money inside").Allowed)
}
