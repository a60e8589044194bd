package tokens

import "testing"

func TestEstimate(t *testing.T) {
	if got := Estimate(""); got != 0 {
		t.Errorf("empty estimate = %d", got)
	}

	short := Estimate("roll a die")
	long := Estimate("roll a twenty-sided die and report each individual result")
	if short <= 0 {
		t.Errorf("short estimate = %d", short)
	}
	if long <= short {
		t.Errorf("longer text should cost more tokens: %d vs %d", long, short)
	}
}

func TestEstimateHeuristicBounds(t *testing.T) {
	// Whatever the encoder, plain ASCII prose lands well inside one token
	// per character and at least one token per ten characters.
	text := "describe the current weather in short plain sentences"
	got := Estimate(text)
	if got < len(text)/10 || got > len(text) {
		t.Errorf("estimate %d out of bounds for %d chars", got, len(text))
	}
}
