package serial

import (
	"bufio"
	"net"
	"regexp"
	"sync/atomic"
	"testing"
	"time"
)

// startQueue wires a queue to one end of an in-memory pipe; the test
// plays the printer on the other end.
func startQueue(t *testing.T) (*Queue, net.Conn) {
	t.Helper()
	link, printer := net.Pipe()
	q := NewQueue(link)
	q.Start()
	t.Cleanup(func() {
		q.Close()
		printer.Close()
	})
	return q, printer
}

// respond reads one command line from the printer side and answers
// with the given lines.
func respond(t *testing.T, printer net.Conn, lines ...string) {
	t.Helper()
	go func() {
		reader := bufio.NewReader(printer)
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
		for _, line := range lines {
			if _, err := printer.Write([]byte(line + "\n")); err != nil {
				return
			}
		}
	}()
}

func TestMatchableConfirmed(t *testing.T) {
	q, printer := startQueue(t)
	respond(t, printer, "echo:SD card ok", "ok")

	instr := q.EnqueueMatchable("M21")
	if !Wait(instr, func() bool { return true }, time.Millisecond) {
		t.Fatal("instruction did not resolve")
	}
	if !instr.IsConfirmed() {
		t.Fatal("instruction should be confirmed")
	}

	m := instr.Match(regexp.MustCompile(`^echo:(SD card ok)$`))
	if m == nil || m[1] != "SD card ok" {
		t.Errorf("Match = %v, want captured SD card ok", m)
	}
	if instr.Match(regexp.MustCompile(`^SD init fail$`)) != nil {
		t.Error("Match should return nil for absent patterns")
	}
}

func TestCollectingCapturesBetweenMarkers(t *testing.T) {
	q, printer := startQueue(t)
	respond(t, printer,
		"Begin file list",
		"A.GCO 100",
		"DIR/B.GCO 200",
		"not a listing line",
		"End file list",
		"ok",
	)

	instr := q.EnqueueCollecting("M20",
		regexp.MustCompile(`^Begin file list$`),
		regexp.MustCompile(`^(\S+ \d+)$`),
		regexp.MustCompile(`^End file list$`),
	)
	if !Wait(instr, func() bool { return true }, time.Millisecond) {
		t.Fatal("instruction did not resolve")
	}

	captured := instr.CapturedMatches()
	want := []string{"A.GCO 100", "DIR/B.GCO 200"}
	if len(captured) != len(want) {
		t.Fatalf("captured %v, want %v", captured, want)
	}
	for i := range want {
		if captured[i] != want[i] {
			t.Errorf("captured[%d] = %q, want %q", i, captured[i], want[i])
		}
	}
}

func TestOutputHandlerSeesUnsolicitedLines(t *testing.T) {
	q, printer := startQueue(t)

	matches := make(chan []string, 1)
	q.RegisterOutputHandler(regexp.MustCompile(`^echo:SD card (inserted)$`), func(m []string) {
		matches <- m
	})

	go printer.Write([]byte("echo:SD card inserted\n"))

	select {
	case m := <-matches:
		if m[1] != "inserted" {
			t.Errorf("handler match = %v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestWaitReturnsWhenKeepWaitingFlips(t *testing.T) {
	q, printer := startQueue(t)

	// Printer swallows the command and stays silent.
	go func() {
		buf := make([]byte, 64)
		printer.Read(buf)
	}()

	instr := q.EnqueueMatchable("M21")

	var keep atomic.Bool
	keep.Store(true)
	go func() {
		time.Sleep(20 * time.Millisecond)
		keep.Store(false)
	}()

	start := time.Now()
	resolved := Wait(instr, keep.Load, time.Millisecond)
	if resolved {
		t.Fatal("Wait should report unresolved")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Wait took %s, should return promptly after cancellation", elapsed)
	}
	if instr.IsConfirmed() {
		t.Error("silent instruction must not be confirmed")
	}
}

func TestCloseAbandonsInflight(t *testing.T) {
	q, printer := startQueue(t)

	go func() {
		buf := make([]byte, 64)
		printer.Read(buf)
	}()

	instr := q.EnqueueMatchable("M21")
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case <-instr.Done():
	case <-time.After(time.Second):
		t.Fatal("Close must resolve the in-flight instruction")
	}
	if instr.IsConfirmed() {
		t.Error("abandoned instruction must not be confirmed")
	}
}

func TestInstructionsRunOneAtATime(t *testing.T) {
	q, printer := startQueue(t)

	// Serve two commands in arrival order.
	go func() {
		reader := bufio.NewReader(printer)
		for i := 0; i < 2; i++ {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			printer.Write([]byte("echo:" + line[:len(line)-1] + " seen\nok\n"))
		}
	}()

	first := q.EnqueueMatchable("M21")
	second := q.EnqueueMatchable("M20")

	if !Wait(first, func() bool { return true }, time.Millisecond) {
		t.Fatal("first instruction did not resolve")
	}
	if !Wait(second, func() bool { return true }, time.Millisecond) {
		t.Fatal("second instruction did not resolve")
	}

	if first.Match(regexp.MustCompile(`^echo:(M21) seen$`)) == nil {
		t.Error("first instruction should have seen the M21 response")
	}
	if second.Match(regexp.MustCompile(`^echo:(M20) seen$`)) == nil {
		t.Error("second instruction should have seen the M20 response")
	}
}
