package vad

import (
	"math"
	"testing"
)

func constantBlock(n int, amplitude float32) []float32 {
	block := make([]float32, n)
	for i := range block {
		block[i] = amplitude
	}
	return block
}

func TestEnergy(t *testing.T) {
	tests := []struct {
		name     string
		block    []float32
		expected float64
	}{
		{name: "nil block", block: nil, expected: 0},
		{name: "all zeros", block: make([]float32, 160), expected: 0},
		{name: "constant positive", block: constantBlock(160, 0.5), expected: 0.5},
		{name: "constant negative", block: constantBlock(160, -0.25), expected: 0.25},
		{name: "alternating sign", block: []float32{0.3, -0.3, 0.3, -0.3}, expected: 0.3},
		{name: "single sample", block: []float32{-1}, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Energy(tt.block)
			if math.Abs(got-tt.expected) > 1e-6 {
				t.Errorf("Expected energy %f, got %f", tt.expected, got)
			}
		})
	}
}

func TestEnergyIgnoresNaN(t *testing.T) {
	block := []float32{float32(math.NaN()), 0, 0, 0}
	got := Energy(block)
	if math.IsNaN(got) {
		t.Fatal("Energy returned NaN")
	}
	if got != 0 {
		t.Errorf("Expected energy 0, got %f", got)
	}
}

func TestGateVoicedResetsCounter(t *testing.T) {
	gate := NewGate(0.01, 10)

	for i := 0; i < 5; i++ {
		if d := gate.Observe(0); d != DecisionBufferSilence {
			t.Fatalf("Block %d: expected %s, got %s", i, DecisionBufferSilence, d)
		}
	}
	if gate.ConsecutiveSilentBlocks() != 5 {
		t.Errorf("Expected 5 consecutive silent blocks, got %d", gate.ConsecutiveSilentBlocks())
	}

	if d := gate.Observe(0.5); d != DecisionVoiced {
		t.Errorf("Expected %s, got %s", DecisionVoiced, d)
	}
	if gate.ConsecutiveSilentBlocks() != 0 {
		t.Errorf("Expected counter reset to 0, got %d", gate.ConsecutiveSilentBlocks())
	}
}

func TestGateHysteresisWindow(t *testing.T) {
	maxSilent := 10
	gate := NewGate(0.01, maxSilent)

	for i := 1; i <= maxSilent; i++ {
		if d := gate.Observe(0.001); d != DecisionBufferSilence {
			t.Fatalf("Silent block %d: expected %s, got %s", i, DecisionBufferSilence, d)
		}
		if gate.ConsecutiveSilentBlocks() != i {
			t.Fatalf("Expected counter %d, got %d", i, gate.ConsecutiveSilentBlocks())
		}
	}

	// Every block past the window is a drop, and the counter keeps growing
	for i := 1; i <= 3; i++ {
		if d := gate.Observe(0.001); d != DecisionDrop {
			t.Fatalf("Overflow block %d: expected %s, got %s", i, DecisionDrop, d)
		}
	}
	if gate.ConsecutiveSilentBlocks() != maxSilent+3 {
		t.Errorf("Expected counter %d, got %d", maxSilent+3, gate.ConsecutiveSilentBlocks())
	}
}

func TestGateThresholdBoundaryIsVoiced(t *testing.T) {
	gate := NewGate(0.01, 0)

	if d := gate.Observe(0.01); d != DecisionVoiced {
		t.Errorf("Energy equal to threshold: expected %s, got %s", DecisionVoiced, d)
	}
	if d := gate.Observe(math.Nextafter(0.01, 0)); d != DecisionDrop {
		t.Errorf("Energy just below threshold with zero window: expected %s, got %s", DecisionDrop, d)
	}
}

func TestGateZeroWindowDropsEverySilentBlock(t *testing.T) {
	gate := NewGate(0.01, 0)
	for i := 0; i < 3; i++ {
		if d := gate.Observe(0); d != DecisionDrop {
			t.Errorf("Block %d: expected %s, got %s", i, DecisionDrop, d)
		}
	}
}

func TestNewGateClampsNegativeWindow(t *testing.T) {
	gate := NewGate(0.01, -4)
	if gate.MaxSilentBlocks() != 0 {
		t.Errorf("Expected window 0, got %d", gate.MaxSilentBlocks())
	}
	if gate.SilenceThreshold() != 0.01 {
		t.Errorf("Expected threshold 0.01, got %f", gate.SilenceThreshold())
	}
}

func TestGateReset(t *testing.T) {
	gate := NewGate(0.01, 2)
	gate.Observe(0)
	gate.Observe(0)
	gate.Observe(0)
	gate.Reset()

	if gate.ConsecutiveSilentBlocks() != 0 {
		t.Errorf("Expected counter 0 after reset, got %d", gate.ConsecutiveSilentBlocks())
	}
	if d := gate.Observe(0); d != DecisionBufferSilence {
		t.Errorf("Expected %s after reset, got %s", DecisionBufferSilence, d)
	}
}

func TestDecisionString(t *testing.T) {
	if DecisionVoiced.String() != "voiced" {
		t.Errorf("Unexpected string %q", DecisionVoiced.String())
	}
	if DecisionDrop.String() != "drop" {
		t.Errorf("Unexpected string %q", DecisionDrop.String())
	}
	if Decision(42).String() != "unknown" {
		t.Errorf("Unexpected string %q", Decision(42).String())
	}
}
