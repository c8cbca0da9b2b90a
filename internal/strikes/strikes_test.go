package strikes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepFor(t *testing.T) {
	assert.Equal(t, 100.0, StepFor("BANKNIFTY"))
	assert.Equal(t, 100.0, StepFor("SENSEX"))
	assert.Equal(t, 100.0, StepFor("sensex"))
	assert.Equal(t, 50.0, StepFor("NIFTY"))
	assert.Equal(t, 50.0, StepFor("FINNIFTY"))
}

func TestBuildLadder(t *testing.T) {
	u := Build(22500, 2, 3, "NIFTY", 0)

	require.Equal(t, 6, u.Meta.Count)
	assert.Equal(t, []float64{22400, 22450, 22500, 22550, 22600, 22650}, u.Strikes)
	assert.Equal(t, 50.0, u.Meta.MinStep)
	assert.Equal(t, 1.0, u.Meta.ScaleApplied)
}

func TestBuildSorted(t *testing.T) {
	u := Build(48000, 5, 5, "BANKNIFTY", 0)
	require.Equal(t, 11, u.Meta.Count)
	for i := 1; i < len(u.Strikes); i++ {
		assert.Greater(t, u.Strikes[i], u.Strikes[i-1])
	}
	assert.Equal(t, 100.0, u.Strikes[1]-u.Strikes[0])
}

func TestBuildZeroATM(t *testing.T) {
	u := Build(0, 10, 10, "NIFTY", 0)
	assert.Empty(t, u.Strikes)
	assert.Equal(t, 0, u.Meta.Count)

	u = Build(-50, 10, 10, "NIFTY", 0)
	assert.Equal(t, 0, u.Meta.Count)
}

func TestBuildScaleClamp(t *testing.T) {
	// Scale 0.1 of 10 would be 1 per side; the floor keeps 2.
	u := Build(22500, 10, 10, "NIFTY", 0.1)
	assert.Equal(t, 5, u.Meta.Count)
	assert.Equal(t, 0.1, u.Meta.ScaleApplied)

	// Scale 0.5 of 10 gives 5 per side.
	u = Build(22500, 10, 10, "NIFTY", 0.5)
	assert.Equal(t, 11, u.Meta.Count)
}

func TestBuildExpandScale(t *testing.T) {
	u := Build(22500, 4, 4, "NIFTY", 2)
	assert.Equal(t, 17, u.Meta.Count)
	assert.Equal(t, 2.0, u.Meta.ScaleApplied)
}

func TestBuildDropsNonPositiveStrikes(t *testing.T) {
	// ATM close to zero cannot produce negative ladder entries.
	u := Build(120, 5, 1, "NIFTY", 0)
	for _, s := range u.Strikes {
		assert.Greater(t, s, 0.0)
	}
}

func TestAlignATM(t *testing.T) {
	assert.Equal(t, 22550.0, AlignATM(22561.35, "NIFTY"))
	assert.Equal(t, 22550.0, AlignATM(22540.00, "NIFTY"))
	assert.Equal(t, 48200.0, AlignATM(48176.9, "BANKNIFTY"))
	assert.Equal(t, 0.0, AlignATM(0, "NIFTY"))
	assert.Equal(t, 0.0, AlignATM(-10, "NIFTY"))
}

func TestKeySet(t *testing.T) {
	set := KeySet([]float64{22450.004, 22500})
	_, ok := set[22450.0]
	assert.True(t, ok, "key should round to two decimals")
	_, ok = set[Key(22500.001)]
	assert.True(t, ok)
	_, ok = set[22400.0]
	assert.False(t, ok)
}
