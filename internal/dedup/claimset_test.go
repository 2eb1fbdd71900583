package dedup

import (
	"testing"
	"time"
)

func TestClaimSetWinnerAndWaiter(t *testing.T) {
	c := newClaimSet()

	winner, wait := c.acquire("h1")
	if !winner {
		t.Fatal("first acquire should win")
	}
	if wait != nil {
		t.Fatal("winner should get a nil wait channel")
	}

	winner, wait = c.acquire("h1")
	if winner {
		t.Fatal("second acquire for the same hash should not win")
	}
	if wait == nil {
		t.Fatal("loser should get a wait channel")
	}

	select {
	case <-wait:
		t.Fatal("wait channel closed before release")
	default:
	}

	c.release("h1")

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("wait channel not closed by release")
	}

	// The hash is claimable again after release.
	winner, _ = c.acquire("h1")
	if !winner {
		t.Fatal("acquire after release should win")
	}
}

func TestClaimSetIndependentHashes(t *testing.T) {
	c := newClaimSet()

	if winner, _ := c.acquire("h1"); !winner {
		t.Fatal("acquire h1 should win")
	}
	if winner, _ := c.acquire("h2"); !winner {
		t.Fatal("acquire h2 should win despite h1 being held")
	}
}

func TestClaimSetReleaseUnknownHash(t *testing.T) {
	c := newClaimSet()
	c.release("never-acquired") // must not panic
}
