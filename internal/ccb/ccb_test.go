package ccb

import (
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	c := New(3)

	if c.State != StateClosed {
		t.Errorf("State = %v, want CLOSED", c.State)
	}
	if c.RetransmitLimit != DefaultRetransmitLimit {
		t.Errorf("RetransmitLimit = %d, want %d", c.RetransmitLimit, DefaultRetransmitLimit)
	}
	if c.BaseRTO != DefaultBaseRTO {
		t.Errorf("BaseRTO = %v, want %v", c.BaseRTO, DefaultBaseRTO)
	}
	if c.TimerActive() {
		t.Error("new CCB should not have an active timer")
	}
}

func TestTimerLifecycle(t *testing.T) {
	c := New(0)

	c.StartTimer(10 * time.Millisecond)
	if !c.TimerActive() {
		t.Fatal("timer should be active after StartTimer")
	}
	if c.Expired() {
		t.Fatal("timer should not be expired immediately")
	}

	time.Sleep(20 * time.Millisecond)
	if !c.Expired() {
		t.Fatal("timer should be expired after its deadline passes")
	}

	c.StopTimer()
	if c.TimerActive() {
		t.Fatal("timer should be inactive after StopTimer")
	}
	if c.Expired() {
		t.Fatal("an inactive timer is never expired")
	}
}

func TestWaitForChangeWakesOnBroadcast(t *testing.T) {
	c := New(0)
	done := make(chan struct{})

	c.Lock()
	go func() {
		c.Lock()
		c.WaitForChange()
		c.Unlock()
		close(done)
	}()

	// Give the waiter a chance to block before we mutate and broadcast.
	c.Unlock()
	time.Sleep(5 * time.Millisecond)

	c.Lock()
	c.State = StateEstablished
	c.NotifyAndUnlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForChange did not wake after Broadcast")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateClosed:      "CLOSED",
		StateListen:      "LISTEN",
		StateSynSent:     "SYNSENT",
		StateSynRcvd:     "SYNRCVD",
		StateEstablished: "ESTABLISHED",
		StateCloseWait:   "CLOSEWAIT",
		StateFinWait1:    "FINWAIT1",
		StateFinWait2:    "FINWAIT2",
		StateClosing:     "CLOSING",
		StateLastAck:     "LASTACK",
		StateTimeWait:    "TIMEWAIT",
	}

	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
