package feolog

import (
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for _, tc := range [...]struct {
		input string
		level logiface.Level
		ok    bool
	}{
		{`OFF`, logiface.LevelDisabled, true},
		{`ERROR`, logiface.LevelError, true},
		{`WARN`, logiface.LevelWarning, true},
		{`INFO`, logiface.LevelInformational, true},
		{`DEBUG`, logiface.LevelDebug, true},
		{`TRACE`, logiface.LevelTrace, true},
		{`trace`, logiface.LevelTrace, true},
		{` info `, logiface.LevelInformational, true},
		{``, 0, false},
		{`VERBOSE`, 0, false},
	} {
		t.Run(tc.input, func(t *testing.T) {
			level, ok := ParseLevel(tc.input)
			require.Equal(t, tc.ok, ok)
			if ok {
				require.Equal(t, tc.level, level)
			}
		})
	}
}

func TestL_uninitializedIsUsable(t *testing.T) {
	global.Store(nil)
	// A nil logger is disabled; the builder chain must not panic.
	L().Info().Str(`k`, `v`).Log(`dropped`)
}

func TestInit_twicePanics(t *testing.T) {
	global.Store(nil)
	defer global.Store(nil)
	require.NoError(t, Init(Config{}))
	require.Panics(t, func() { _ = Init(Config{}) })
}
