package serial

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/printlink/printlink/internal/logging"
	"github.com/printlink/printlink/internal/metrics"
)

type outputHandler struct {
	pattern *regexp.Regexp
	fn      func(match []string)
}

// Queue serializes instructions onto the printer link and routes
// response lines back to them. Unsolicited output is delivered to
// registered handlers on the reader goroutine.
type Queue struct {
	rw      io.ReadWriteCloser
	pending chan *Instruction

	mu       sync.Mutex
	current  *Instruction
	handlers []outputHandler

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewQueue creates a queue over the given printer link.
func NewQueue(rw io.ReadWriteCloser) *Queue {
	return &Queue{
		rw:      rw,
		pending: make(chan *Instruction, 16),
		done:    make(chan struct{}),
	}
}

// Start launches the dispatcher and reader goroutines.
func (q *Queue) Start() {
	q.wg.Add(2)
	go q.dispatchLoop()
	go q.readLoop()
}

// Close shuts the queue down, abandoning the in-flight and pending
// instructions so their waiters return promptly.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		err = q.rw.Close()
		q.wg.Wait()

		q.mu.Lock()
		if q.current != nil {
			q.current.abandon()
			q.current = nil
		}
		q.mu.Unlock()
		for {
			select {
			case instr := <-q.pending:
				instr.abandon()
			default:
				return
			}
		}
	})
	return err
}

// RegisterOutputHandler registers fn to be called with the submatches
// of every output line matching pattern, solicited or not. Handlers
// run on the reader goroutine.
func (q *Queue) RegisterOutputHandler(pattern *regexp.Regexp, fn func(match []string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, outputHandler{pattern: pattern, fn: fn})
}

// EnqueueMatchable fires a single command whose whole response is kept
// for later pattern matching.
func (q *Queue) EnqueueMatchable(command string) *Instruction {
	instr := newInstruction(command)
	q.enqueue(instr)
	return instr
}

// EnqueueCollecting fires a command whose response is a bounded
// multi-line block: lines between begin and end matching capture are
// recorded in order.
func (q *Queue) EnqueueCollecting(command string, begin, capture, end *regexp.Regexp) *Instruction {
	instr := newInstruction(command)
	instr.collecting = true
	instr.begin = begin
	instr.capture = capture
	instr.end = end
	q.enqueue(instr)
	return instr
}

func (q *Queue) enqueue(instr *Instruction) {
	select {
	case q.pending <- instr:
		logging.Debug("instruction enqueued",
			zap.String("id", instr.id),
			zap.String("command", instr.command))
	case <-q.done:
		instr.abandon()
	}
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case instr := <-q.pending:
			q.mu.Lock()
			q.current = instr
			q.mu.Unlock()

			if _, err := fmt.Fprintf(q.rw, "%s\n", instr.command); err != nil {
				logging.Warn("write to printer failed",
					zap.String("command", instr.command),
					zap.Error(err))
				instr.abandon()
				metrics.RecordInstruction("abandoned")
			} else {
				select {
				case <-instr.Done():
					if instr.IsConfirmed() {
						metrics.RecordInstruction("confirmed")
					} else {
						metrics.RecordInstruction("abandoned")
					}
				case <-q.done:
					instr.abandon()
					metrics.RecordInstruction("abandoned")
					return
				}
			}

			q.mu.Lock()
			q.current = nil
			q.mu.Unlock()
		}
	}
}

func (q *Queue) readLoop() {
	defer q.wg.Done()
	scanner := bufio.NewScanner(q.rw)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		q.mu.Lock()
		current := q.current
		handlers := make([]outputHandler, len(q.handlers))
		copy(handlers, q.handlers)
		q.mu.Unlock()

		if current != nil && current.consume(line) {
			logging.Debug("instruction confirmed", zap.String("id", current.id))
		}

		for _, h := range handlers {
			if m := h.pattern.FindStringSubmatch(line); m != nil {
				h.fn(m)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-q.done:
			// expected on Close
		default:
			logging.Warn("printer link read error", zap.Error(err))
		}
	}
}
