package som

import (
	"bytes"
	"math"
	"math/rand"
	"testing"
)

func TestNewWeightsInUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	g := New(4, 1, 2, 0.5, 0.2, 16, rng)
	for _, w := range g.Weights(0) {
		if w < 0 || w >= 1 {
			t.Fatalf("weight out of [0,1): %v", w)
		}
	}
}

func TestTrainMovesBMUTowardVector(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	g := New(4, 1, 2, 0.5, 0.2, 16, rng)
	target := []float64{1, 1}
	iStar, jStar := g.findBMU(0, target)
	before := g.weightOffset(0, iStar, jStar)
	wBefore := append([]float64(nil), g.w[before:before+2]...)
	g.Train(target, rand.New(rand.NewSource(2)))
	distBefore := (target[0]-wBefore[0])*(target[0]-wBefore[0]) + (target[1]-wBefore[1])*(target[1]-wBefore[1])
	wAfter := g.w[before : before+2]
	distAfter := (target[0]-wAfter[0])*(target[0]-wAfter[0]) + (target[1]-wAfter[1])*(target[1]-wAfter[1])
	if distAfter >= distBefore {
		t.Fatalf("BMU did not move toward target: before=%v after=%v", distBefore, distAfter)
	}
}

func TestNormalizeClampsCountsToUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	g := New(4, 2, 2, 0.5, 0.1, 16, rng)
	for i := 0; i < 20; i++ {
		g.Train([]float64{0, 0}, rng)
		g.Train([]float64{1, 1}, rng)
	}
	g.Normalize()
	for j := 0; j < g.NSom; j++ {
		max := 0.0
		for _, c := range g.Counts(j) {
			if c < 0 || c > 1 {
				t.Fatalf("count out of [0,1]: %v", c)
			}
			if c > max {
				max = c
			}
		}
		if max != 0 && max != 1 {
			t.Fatalf("map %d max count = %v, want 0 or 1", j, max)
		}
	}
}

func TestScoreIgnoresBelowThresholdCells(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	g := New(2, 1, 1, 0.5, 0.5, 1, rng)
	// Manually set counts: only cell (0,0) activated.
	g.c[g.countOffset(0, 0, 0)] = 1.0
	g.w[g.weightOffset(0, 0, 0)] = 0.3
	g.w[g.weightOffset(0, 0, 1)] = 0.9
	g.w[g.weightOffset(0, 1, 0)] = 0.1
	g.w[g.weightOffset(0, 1, 1)] = 0.1
	want := (0.5 - 0.3) * (0.5 - 0.3)
	if got := g.Score([]float64{0.5}); math.Abs(got-want) > 1e-12 {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}

func TestScoreSentinelWhenNoActivatedCell(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	g := New(2, 1, 1, 0.5, 0.5, 1, rng)
	if got := g.Score([]float64{0.5}); got != ScoreSentinel {
		t.Fatalf("Score = %v, want ScoreSentinel (%v)", got, ScoreSentinel)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	g := New(3, 2, 2, 0.4, 0.15, 10, rng)
	g.Train([]float64{0.2, 0.8}, rng)
	g.Normalize()

	var buf bytes.Buffer
	if err := g.Save(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := Load(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.NBin != g.NBin || got.NSom != g.NSom || got.K != g.K ||
		got.LearnRate != g.LearnRate || got.Threshold != g.Threshold || got.NTotal != g.NTotal {
		t.Fatalf("header mismatch: got %+v, want %+v", *got, *g)
	}
	for j := 0; j < g.NSom; j++ {
		wantW, gotW := g.Weights(j), got.Weights(j)
		for i := range wantW {
			if wantW[i] != gotW[i] {
				t.Fatalf("map %d weight %d mismatch: got %v, want %v", j, i, gotW[i], wantW[i])
			}
		}
		wantC, gotC := g.Counts(j), got.Counts(j)
		for i := range wantC {
			if wantC[i] != gotC[i] {
				t.Fatalf("map %d count %d mismatch: got %v, want %v", j, i, gotC[i], wantC[i])
			}
		}
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	if _, err := Load(bytes.NewReader([]byte("not a grid file"))); err == nil {
		t.Fatal("expected an error loading garbage input")
	}
}

func TestDeterministicGivenSameSeed(t *testing.T) {
	build := func() *Grid {
		rng := rand.New(rand.NewSource(42))
		g := New(4, 2, 2, 0.3, 0.2, 8, rng)
		trainRng := rand.New(rand.NewSource(7))
		corners := [][]float64{{0, 0}, {0, 1}, {1, 0}, {1, 1}}
		for rep := 0; rep < 4; rep++ {
			for _, c := range corners {
				g.Train(c, trainRng)
			}
		}
		g.Normalize()
		return g
	}
	g1, g2 := build(), build()
	w1, w2 := g1.Weights(0), g2.Weights(0)
	for i := range w1 {
		if w1[i] != w2[i] {
			t.Fatalf("weight %d diverged: %v vs %v", i, w1[i], w2[i])
		}
	}
}
