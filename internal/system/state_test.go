package system

import "testing"

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateRunning, StateReloading, true},
		{StateReloading, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateRunning, false},
		{StateReloading, StateReloading, false},
		{StateInitializing, StateReloading, false},
		{SystemState(42), StateRunning, false},
	}

	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if (err == nil) != tc.ok {
			t.Fatalf("%s -> %s: expected ok=%v, got %v", tc.from, tc.to, tc.ok, err)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateReloading.String() != "RELOADING" || SystemState(42).String() != "UNKNOWN" {
		t.Fatalf("unexpected state names")
	}
}
