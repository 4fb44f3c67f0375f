// Package sdcard infers the presence of the printer's SD card from
// three indirect signals: the file listing, the explicit
// re-initialization probe and unsolicited insertion reports.
//
// The state starts at UNSURE. A non-empty listing proves the card is
// present, but an empty listing proves nothing: the card may be absent
// or merely empty. Only the re-init probe distinguishes the two, so the
// probe serves both the first-ever determination and periodic
// reconciliation whenever the tree unexpectedly reads empty. The probe
// itself makes the printer report an insertion, which must not be
// mistaken for the user inserting a card; the expecting-insertion guard
// swallows exactly that one report.
package sdcard

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/printlink/printlink/internal/events"
	"github.com/printlink/printlink/internal/filetree"
	"github.com/printlink/printlink/internal/logging"
	"github.com/printlink/printlink/internal/metrics"
	"github.com/printlink/printlink/pkg/models"
)

// State of the SD card slot.
type State int

const (
	StateUnsure State = iota
	StateInitialising
	StatePresent
	StateAbsent
)

func (s State) String() string {
	switch s {
	case StateUnsure:
		return "UNSURE"
	case StateInitialising:
		return "INITIALISING"
	case StatePresent:
		return "PRESENT"
	case StateAbsent:
		return "ABSENT"
	default:
		return "UNKNOWN"
	}
}

// Printer response patterns.
var (
	// InsertedPattern matches the unsolicited insertion report. Callers
	// register it as an output handler and feed matches into
	// NotifyInserted.
	InsertedPattern = regexp.MustCompile(`^(?:echo:)?SD card inserted$`)

	// sdPresentPattern resolves the M21 probe: group 1 non-empty means
	// the card is present.
	sdPresentPattern = regexp.MustCompile(`^(?:(?:echo:)?(SD card ok)|(?:echo:)?SD init fail)$`)

	beginFilesPattern = regexp.MustCompile(`^Begin file list$`)
	endFilesPattern   = regexp.MustCompile(`^End file list$`)
	filePathPattern   = regexp.MustCompile(`^(\S+ \d+)$`)
)

// Instruction is the in-flight command handle the informer consumes.
type Instruction interface {
	IsConfirmed() bool
	Match(pattern *regexp.Regexp) []string
	CapturedMatches() []string
	Done() <-chan struct{}
}

// Queue is the slice of the instruction queue the informer relies on.
type Queue interface {
	EnqueueMatchable(command string) Instruction
	EnqueueCollecting(command string, begin, capture, end *regexp.Regexp) Instruction
}

// Config holds informer timing settings.
type Config struct {
	// Interval between poll cycles.
	Interval time.Duration
	// QuitInterval is the granularity at which blocking waits observe
	// shutdown. Must stay sub-second so shutdown remains responsive.
	QuitInterval time.Duration
	// RequestTimeout bounds one listing or probe wait. An expired wait
	// is an operational failure, retried naturally next cycle.
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.QuitInterval <= 0 {
		c.QuitInterval = 200 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

type pendingEvent int

const (
	pendInserted pendingEvent = iota
	pendEjected
)

// Informer owns the SD state machine, the current tree snapshot and the
// background poller. The poller and the notification callback are the
// two concurrent producers; one mutex serializes every check-then-
// transition step between them.
type Informer struct {
	queue       Queue
	broadcaster *events.Broadcaster
	cfg         Config

	mu                 sync.Mutex
	state              State
	expectingInsertion bool
	tree               *filetree.Tree
	pending            []pendingEvent

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an informer in the UNSURE state with an empty tree.
func New(queue Queue, broadcaster *events.Broadcaster, cfg Config) *Informer {
	cfg.applyDefaults()
	inf := &Informer{
		queue:       queue,
		broadcaster: broadcaster,
		cfg:         cfg,
		state:       StateUnsure,
		tree:        filetree.NewTree(),
		done:        make(chan struct{}),
	}
	metrics.SetSDState(inf.state.String())
	return inf
}

// Start launches the background poller. The first cycle runs
// immediately.
func (inf *Informer) Start(ctx context.Context) {
	inf.wg.Add(1)
	go inf.pollLoop(ctx)
}

// Stop shuts the poller down, interrupting any in-flight wait.
func (inf *Informer) Stop() {
	inf.stopOnce.Do(func() { close(inf.done) })
	inf.wg.Wait()
}

// State returns the current SD state.
func (inf *Informer) State() State {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	return inf.state
}

// Snapshot returns the external representation of the current tree
// together with the state it was observed under.
func (inf *Informer) Snapshot() (*models.FileTree, State) {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	return inf.tree.Root.ToExternal(), inf.state
}

// NotifyInserted feeds an unsolicited insertion report into the state
// machine. Safe to call from the transport's reader goroutine. A
// report that the informer's own probe provoked is swallowed and the
// guard cleared; any other report forces INITIALISING regardless of
// the current state.
func (inf *Informer) NotifyInserted() {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	if inf.expectingInsertion {
		inf.expectingInsertion = false
		return
	}
	inf.changeStateLocked(StateInitialising)
}

func (inf *Informer) pollLoop(ctx context.Context) {
	defer inf.wg.Done()

	inf.update(ctx)

	ticker := time.NewTicker(inf.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			inf.update(ctx)
		case <-inf.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (inf *Informer) running(ctx context.Context) bool {
	select {
	case <-inf.done:
		return false
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

// update runs one poll cycle: rebuild the tree, drive the state
// machine, swap the snapshot in and emit events. A listing that never
// resolved is an operational failure: the old tree and state stand,
// tree_updated still fires, and the next cycle is the retry.
func (inf *Informer) update(ctx context.Context) {
	start := time.Now()
	newTree, ok := inf.constructFileTree(ctx)
	metrics.ObserveListingDuration(time.Since(start))

	if !ok {
		inf.mu.Lock()
		external := inf.tree.Root.ToExternal()
		state := inf.state
		inf.mu.Unlock()
		inf.broadcaster.PublishUpdated(events.TreeUpdated{Tree: external, SDState: state.String()})
		metrics.RecordUpdateCycle()
		return
	}

	inf.apply(ctx, newTree)
	metrics.RecordUpdateCycle()
}

// apply feeds one freshly built tree into the state machine. Split from
// update so the transition table is testable without a transport.
func (inf *Informer) apply(ctx context.Context, newTree *filetree.Tree) {
	empty := newTree.Empty()

	inf.mu.Lock()
	state := inf.state
	inf.mu.Unlock()

	switch {
	case state == StateUnsure || state == StateInitialising:
		if !empty {
			inf.mu.Lock()
			inf.changeStateLocked(StatePresent)
			inf.mu.Unlock()
		} else {
			inf.decidePresence(ctx)
		}
	case state == StatePresent && empty:
		inf.decidePresence(ctx)
	case state == StateAbsent && !empty:
		// Stale state or genuinely new media; another probe would be
		// needed to tell which, so report and leave the state alone.
		logging.Error("sanity check failed: sd card absent but files are visible")
	}

	inf.mu.Lock()
	if diff := filetree.Compare(inf.tree, newTree); len(diff.Added)+len(diff.Removed)+len(diff.Changed) > 0 {
		logging.Debug("sd card contents changed",
			zap.Strings("added", diff.Added),
			zap.Strings("removed", diff.Removed),
			zap.Strings("changed", diff.Changed))
	}
	inf.tree = newTree
	external := newTree.Root.ToExternal()
	state = inf.state
	pending := inf.pending
	inf.pending = nil
	inf.mu.Unlock()

	// Emission happens here, synchronously in the poller's context,
	// even for transitions the notification callback triggered.
	for _, ev := range pending {
		switch ev {
		case pendInserted:
			inf.broadcaster.PublishInserted(events.CardInserted{Root: "/", Files: external})
		case pendEjected:
			inf.broadcaster.PublishEjected(events.CardEjected{Root: "/"})
		}
	}
	inf.broadcaster.PublishUpdated(events.TreeUpdated{Tree: external, SDState: state.String()})
	metrics.SetTreeFiles(newTree.Len())
}

// constructFileTree requests a listing and builds a fresh tree. When
// the card is known absent the request is skipped entirely to avoid
// needless transport traffic. The second return is false when the
// listing never resolved.
func (inf *Informer) constructFileTree(ctx context.Context) (*filetree.Tree, bool) {
	inf.mu.Lock()
	absent := inf.state == StateAbsent
	inf.mu.Unlock()
	if absent {
		return filetree.NewTree(), true
	}

	instr := inf.queue.EnqueueCollecting("M20", beginFilesPattern, filePathPattern, endFilesPattern)
	if !inf.wait(ctx, instr) || !instr.IsConfirmed() {
		logging.Warn("file listing did not resolve, keeping state unchanged")
		return nil, false
	}

	lines := instr.CapturedMatches()
	for i, line := range lines {
		lines[i] = strings.ToLower(line)
	}
	return filetree.Build(lines), true
}

// decidePresence runs the re-initialization probe. Disruptive to the
// user experience when a card is mounted, so it only runs when the tree
// reads empty anyway.
func (inf *Informer) decidePresence(ctx context.Context) {
	inf.mu.Lock()
	inf.expectingInsertion = true
	inf.mu.Unlock()

	instr := inf.queue.EnqueueMatchable("M21")
	resolved := inf.wait(ctx, instr)

	inf.mu.Lock()
	inf.expectingInsertion = false
	inf.mu.Unlock()

	if !resolved || !instr.IsConfirmed() {
		logging.Debug("failed determining sd card presence")
		metrics.RecordProbe("unresolved")
		return
	}

	match := instr.Match(sdPresentPattern)
	if match == nil {
		logging.Debug("probe response carried no presence indicator")
		metrics.RecordProbe("unresolved")
		return
	}

	inf.mu.Lock()
	defer inf.mu.Unlock()
	if match[1] != "" {
		metrics.RecordProbe("present")
		if inf.state != StatePresent {
			inf.changeStateLocked(StatePresent)
		}
	} else {
		metrics.RecordProbe("absent")
		inf.changeStateLocked(StateAbsent)
	}
}

// changeStateLocked applies one transition and records its side
// effects. Only INITIALISING to PRESENT queues card_inserted; only
// PRESENT to ABSENT or INITIALISING queues card_ejected. Every other
// transition, the direct UNSURE to PRESENT included, is silent.
// Callers must hold inf.mu.
func (inf *Informer) changeStateLocked(newState State) {
	logging.Debug("sd state changed",
		zap.Stringer("from", inf.state),
		zap.Stringer("to", newState))

	switch {
	case inf.state == StateInitialising && newState == StatePresent:
		inf.pending = append(inf.pending, pendInserted)
	case inf.state == StatePresent && (newState == StateAbsent || newState == StateInitialising):
		inf.pending = append(inf.pending, pendEjected)
	}

	inf.state = newState
	metrics.SetSDState(newState.String())
}

// wait blocks until the instruction resolves, the request times out or
// shutdown begins, observing shutdown at QuitInterval granularity.
func (inf *Informer) wait(ctx context.Context, instr Instruction) bool {
	deadline := time.Now().Add(inf.cfg.RequestTimeout)
	for inf.running(ctx) && time.Now().Before(deadline) {
		select {
		case <-instr.Done():
			return true
		case <-time.After(inf.cfg.QuitInterval):
		}
	}
	return false
}
