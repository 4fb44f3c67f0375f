// Package serial implements the printer-side instruction queue: one
// command in flight at a time, confirmation matching, bounded
// multi-line capture and unsolicited-output handlers.
package serial

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Instruction is a single command awaiting its matched response. It is
// immutable once resolved.
type Instruction struct {
	id      string
	command string

	// collecting instructions capture lines between begin and end
	collecting bool
	begin      *regexp.Regexp
	capture    *regexp.Regexp
	end        *regexp.Regexp

	mu        sync.Mutex
	inWindow  bool
	resolved  bool
	confirmed bool
	response  []string
	captured  []string
	done      chan struct{}
}

func newInstruction(command string) *Instruction {
	return &Instruction{
		id:      uuid.NewString(),
		command: command,
		done:    make(chan struct{}),
	}
}

// ID returns the instruction's correlation id.
func (i *Instruction) ID() string { return i.id }

// Command returns the command text.
func (i *Instruction) Command() string { return i.command }

// IsConfirmed reports whether the printer acknowledged the command at
// all. An abandoned instruction resolves unconfirmed.
func (i *Instruction) IsConfirmed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.confirmed
}

// Match returns the submatches of the first response line matching
// pattern, or nil when nothing matched.
func (i *Instruction) Match(pattern *regexp.Regexp) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, line := range i.response {
		if m := pattern.FindStringSubmatch(line); m != nil {
			return m
		}
	}
	return nil
}

// CapturedMatches returns the ordered lines captured between the begin
// and end markers of a collecting instruction.
func (i *Instruction) CapturedMatches() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.captured))
	copy(out, i.captured)
	return out
}

// Done returns a channel closed once the instruction resolves, whether
// confirmed or abandoned.
func (i *Instruction) Done() <-chan struct{} { return i.done }

// consume processes one response line while the instruction is in
// flight and reports whether the line confirmed it.
func (i *Instruction) consume(line string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.resolved {
		return false
	}

	if i.collecting {
		switch {
		case !i.inWindow && i.begin.MatchString(line):
			i.inWindow = true
		case i.inWindow && i.end.MatchString(line):
			i.inWindow = false
		case i.inWindow && i.capture.MatchString(line):
			i.captured = append(i.captured, line)
		}
	}
	i.response = append(i.response, line)

	if isConfirmation(line) {
		i.resolved = true
		i.confirmed = true
		close(i.done)
		return true
	}
	return false
}

// abandon resolves the instruction without confirmation, releasing any
// waiters.
func (i *Instruction) abandon() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.resolved {
		return
	}
	i.resolved = true
	close(i.done)
}

func isConfirmation(line string) bool {
	return line == "ok" || strings.HasPrefix(line, "ok ")
}

// DefaultCheckEvery is how often Wait consults keepWaiting when no
// granularity is given. Sub-second keeps shutdown responsive without
// busy-polling.
const DefaultCheckEvery = 200 * time.Millisecond

// Wait blocks until the instruction resolves or keepWaiting reports
// false, consulting keepWaiting at checkEvery granularity. It returns
// true when the instruction resolved.
func Wait(instr *Instruction, keepWaiting func() bool, checkEvery time.Duration) bool {
	if checkEvery <= 0 {
		checkEvery = DefaultCheckEvery
	}
	for keepWaiting() {
		select {
		case <-instr.Done():
			return true
		case <-time.After(checkEvery):
		}
	}
	return false
}
