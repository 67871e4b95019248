package registry

import "testing"

func TestUpdateReputationMovesTowardSignal(t *testing.T) {
	up := UpdateReputation(0.5, true, 0.2)
	if up <= 0.5 {
		t.Fatalf("success should raise reputation, got %f", up)
	}
	down := UpdateReputation(0.5, false, 0.2)
	if down >= 0.5 {
		t.Fatalf("failure should lower reputation, got %f", down)
	}
}

func TestUpdateReputationStaysBounded(t *testing.T) {
	rep := 0.99
	for i := 0; i < 100; i++ {
		rep = UpdateReputation(rep, true, 0.9)
		if rep < 0 || rep > 1 {
			t.Fatalf("reputation escaped [0,1]: %f", rep)
		}
	}
	rep = 0.01
	for i := 0; i < 100; i++ {
		rep = UpdateReputation(rep, false, 0.9)
		if rep < 0 || rep > 1 {
			t.Fatalf("reputation escaped [0,1]: %f", rep)
		}
	}
}
