package pressure

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetainFraction(t *testing.T) {
	require.Equal(t, 1.0, RunningModerate.RetainFraction())
	require.Equal(t, 1.0, UIHidden.RetainFraction())
	require.Equal(t, 0.5, Background.RetainFraction())
	require.Equal(t, 0.0, Moderate.RetainFraction())
	require.Equal(t, 0.0, Complete.RetainFraction())
}

func TestTargetSize(t *testing.T) {
	require.Equal(t, int64(50), Background.TargetSize(100))
	require.Equal(t, int64(0), Complete.TargetSize(100))
	require.Equal(t, int64(100), RunningLow.TargetSize(100))
}

func TestLevelOrdering(t *testing.T) {
	require.Less(t, Background, Moderate)
	require.Less(t, Moderate, Complete)
	require.Equal(t, "background", Background.String())
	require.Equal(t, "unknown", Level(42).String())
}
