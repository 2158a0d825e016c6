package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommaSliceFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var dest []string
	CommaSliceFlag(fs, &dest, "collections", []string{"default"}, "usage")
	require.Equal(t, []string{"default"}, dest)

	require.NoError(t, fs.Parse([]string{"-collections", "prelinger, youtube ,"}))
	require.Equal(t, []string{"prelinger", "youtube"}, dest)
}

func TestPositiveIntFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var dest int
	PositiveIntFlag(fs, &dest, "workers", 3, "usage")
	require.Equal(t, 3, dest)

	require.NoError(t, fs.Parse([]string{"-workers", "7"}))
	require.Equal(t, 7, dest)

	fs2 := flag.NewFlagSet("test", flag.ContinueOnError)
	PositiveIntFlag(fs2, &dest, "workers", 3, "usage")
	require.Error(t, fs2.Parse([]string{"-workers", "0"}))
}
