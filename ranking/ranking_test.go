package ranking

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func eval(t *testing.T, expr string, score float64, signals Signals) float64 {
	t.Helper()
	e, err := Parse(expr)
	require.NoError(t, err)
	return e.Eval(score, signals)
}

func TestArithmetic(t *testing.T) {
	require.Equal(t, 7.0, eval(t, "1 + 2 * 3", 0, nil))
	require.Equal(t, 9.0, eval(t, "(1 + 2) * 3", 0, nil))
	require.Equal(t, 2.5, eval(t, "5 / 2", 0, nil))
	require.Equal(t, -1.0, eval(t, "2 - 3", 0, nil))
	require.Equal(t, -4.0, eval(t, "-2 * 2", 0, nil))
	require.Equal(t, 0.25, eval(t, "2.5e-1", 0, nil))
}

func TestScoreAndSignals(t *testing.T) {
	signals := Signals{"popularity": 10, "price": 4}
	require.Equal(t, 0.5, eval(t, "_score", 0.5, nil))
	require.InDelta(t, 0.35+3, eval(t, "0.7 * _score + 0.3 * popularity", 0.5, signals), 1e-12)
	require.Equal(t, 2.5, eval(t, "popularity / price", 0, signals))

	// Unknown signals read as zero.
	require.Equal(t, 0.0, eval(t, "missing", 1, signals))
}

func TestFunctions(t *testing.T) {
	require.Equal(t, 2.0, eval(t, "min(2, 3)", 0, nil))
	require.Equal(t, 3.0, eval(t, "max(2, 3)", 0, nil))
	require.Equal(t, 8.0, eval(t, "pow(2, 3)", 0, nil))
	require.InDelta(t, math.Log(2), eval(t, "log(2)", 0, nil), 1e-12)
	require.Equal(t, 5.0, eval(t, "clamp(9, 1, 5)", 0, nil))
	require.Equal(t, 1.0, eval(t, "clamp(0, 1, 5)", 0, nil))
	require.Equal(t, 3.0, eval(t, "clamp(3, 1, 5)", 0, nil))
	require.Equal(t, 7.0, eval(t, "linear(2, 3, 1)", 0, nil)) // 3*2+1
}

func TestLogNonPositiveIsZero(t *testing.T) {
	require.Equal(t, 0.0, eval(t, "log(0)", 0, nil))
	require.Equal(t, 0.0, eval(t, "log(0 - 5)", 0, nil))
}

func TestDecayFunctions(t *testing.T) {
	signals := Signals{"ts": 1100}

	require.InDelta(t, math.Exp(-1), eval(t, "decay_exp(ts, 1000, 100)", 0, signals), 1e-12)
	require.InDelta(t, math.Exp(-0.5), eval(t, "decay_gauss(ts, 1000, 100)", 0, signals), 1e-12)
	require.InDelta(t, 0.5, eval(t, "decay_linear(ts, 1000, 200)", 0, signals), 1e-12)

	// At the origin every decay peaks at 1.
	require.Equal(t, 1.0, eval(t, "decay_exp(1000, 1000, 100)", 0, nil))
	require.Equal(t, 1.0, eval(t, "decay_gauss(1000, 1000, 100)", 0, nil))
	require.Equal(t, 1.0, eval(t, "decay_linear(1000, 1000, 100)", 0, nil))

	// Past the window linear decay floors at zero.
	require.Equal(t, 0.0, eval(t, "decay_linear(5000, 1000, 100)", 0, nil))

	// Non-positive scale short-circuits to zero.
	require.Equal(t, 0.0, eval(t, "decay_exp(1, 1, 0)", 0, nil))
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"1 +",
		"(1",
		"min(1)",
		"min(1, 2, 3)",
		"nosuchfunc(1)",
		"1 @ 2",
		"clamp(1, 2)",
	} {
		_, err := Parse(expr)
		require.Error(t, err, "expression %q", expr)
	}
}

func TestWeightedSum(t *testing.T) {
	e := WeightedSum(map[string]float64{"a": 2, "b": 0.5})
	require.Equal(t, 2*3+0.5*4, e.Eval(0, Signals{"a": 3, "b": 4}))

	empty := WeightedSum(nil)
	require.Equal(t, 0.0, empty.Eval(5, nil))
}

func TestStringRoundTrip(t *testing.T) {
	src := "0.7 * _score + 0.3 * decay_exp(ts, 1700000000, 86400)"
	e, err := Parse(src)
	require.NoError(t, err)
	require.Equal(t, src, e.String())
}
