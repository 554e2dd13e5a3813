package job

import "testing"

func TestBusyNeverBlocks(t *testing.T) {
	b := Busy()
	for tick := int64(0); tick < 1000; tick++ {
		if b.ShouldBlock(tick) != 0 {
			t.Fatalf("busy behavior blocked at tick %d", tick)
		}
	}
}

func TestPeriodicBlocksOnBoundary(t *testing.T) {
	b := Periodic(10, 50)

	if b.ShouldBlock(0) != 0 {
		t.Error("no work done yet, must not block")
	}
	if b.ShouldBlock(9) != 0 {
		t.Error("mid-burst, must not block")
	}
	if got := b.ShouldBlock(10); got != 50 {
		t.Errorf("burst complete: want sleep 50, got %d", got)
	}
	if got := b.ShouldBlock(30); got != 50 {
		t.Errorf("every burst boundary blocks, got %d", got)
	}
}

func TestPeriodicDefendsAgainstBadArgs(t *testing.T) {
	b := Periodic(0, -1)
	if got := b.ShouldBlock(1); got != 0 {
		t.Errorf("clamped behavior should never request negative sleep, got %d", got)
	}
}
