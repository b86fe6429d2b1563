package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triagebackend/consult/services/datatypes"
	"github.com/triagebackend/consult/services/graph"
	"github.com/triagebackend/consult/services/triageerr"
)

// DefaultMailboxCapacity is the bounded number of pending turns a Room
// Agent will queue before applying its overflow policy.
const DefaultMailboxCapacity = 256

type entryKind int

const (
	entryTranscript entryKind = iota
	entrySetContext
	entryReset
	entryInspect
)

// SessionSnapshot is a point-in-time, read-only view of a Room Agent's
// session state, returned by Inspect. Useful for admin/debug surfaces
// (e.g. the Hub's room listing) without breaking the single-writer
// ownership of session state.
type SessionSnapshot struct {
	TurnCount           int
	LastSummarizedIndex int
	CurrentSummary      string
	SystemPrefix        string
	ProcessedTurns      int
}

// mailboxEntry is one queued unit of work for a room's worker goroutine.
type mailboxEntry struct {
	kind entryKind

	// entryTranscript fields
	role       datatypes.Role
	speaker    string
	text       string
	timestamp  time.Time
	confidence *float64

	// entrySetContext fields
	customerInfo CustomerInfo
	historySeed  []datatypes.TranscriptTurn

	// entryInspect fields
	respond chan SessionSnapshot
}

// PublishFunc delivers one analysis result to a room's subscribers. It is
// called from the Room Agent's worker goroutine and must not block
// indefinitely; a slow subscriber should buffer on its own side.
type PublishFunc func(ctx context.Context, result datatypes.AnalysisResult)

// PersistTurnFunc and PersistResultFunc hand an acknowledged turn or
// result off to the persistence repository: analysis results
// and Transcript Turns are owned by the persistence repository once
// acknowledged. The Room Agent also keeps its own in-memory copy of every
// turn for the session's lifetime; that copy is not trimmed or bounded.
// Both hooks are optional; a nil hook is simply skipped.
type (
	PersistTurnFunc   func(ctx context.Context, sessionID string, turn datatypes.TranscriptTurn)
	PersistResultFunc func(ctx context.Context, result datatypes.AnalysisResult)
)

// RoomAgent is the per-room actor: it owns one
// room's conversation history, rolling summary cursor, turn dedup set, and
// static system-prompt prefix, processing turns FIFO off a bounded
// mailbox. Session state below the mailbox line is touched only by the
// worker goroutine spawned in Start, so it carries no lock of its own,
// mirroring a file-watcher's channel-guarded boundary instead
// of a field-level mutex (services/trace/graph/file_watcher.go).
type RoomAgent struct {
	roomID        string
	executor      *graph.Executor
	publish       PublishFunc
	persistTurn   PersistTurnFunc
	persistResult PersistResultFunc
	logger        *slog.Logger

	// graphSem, when set, bounds how many rooms may run the analysis
	// graph at once across the whole process: a buffered channel used as
	// a counting semaphore, acquired before executor.Run and released
	// after. Nil means unbounded.
	graphSem chan struct{}

	intentLabels []string

	capacity int
	mu       sync.Mutex
	queue    []mailboxEntry
	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// session state, owned exclusively by the worker goroutine
	turns               []datatypes.TranscriptTurn
	lastSummarizedIndex int
	currentSummary      string
	processedTurnIDs    map[string]struct{}
	systemPrefix        string
	boundCustomerID     string
	prefixBound         bool
}

// NewRoomAgent builds a Room Agent for roomID. executor runs the analysis
// graph (services/graph.BuildAnalysisGraph); publish delivers each new
// analysis result to the room's subscribers. capacity of 0 uses
// DefaultMailboxCapacity.
func NewRoomAgent(roomID string, executor *graph.Executor, publish PublishFunc, logger *slog.Logger, capacity int) *RoomAgent {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomAgent{
		roomID:           roomID,
		executor:         executor,
		publish:          publish,
		logger:           logger,
		capacity:         capacity,
		notify:           make(chan struct{}, 1),
		done:             make(chan struct{}),
		processedTurnIDs: make(map[string]struct{}),
		systemPrefix:     basePromptPrefix,
	}
}

// SetPersistence attaches the repository hooks for acknowledged turns and
// results. Optional; call before Start. Returns the receiver for chaining.
func (a *RoomAgent) SetPersistence(turn PersistTurnFunc, result PersistResultFunc) *RoomAgent {
	a.persistTurn = turn
	a.persistResult = result
	return a
}

// SetConcurrencyLimiter bounds this agent's graph runs by a process-wide
// counting semaphore shared across every room, so a burst of simultaneous
// customer turns across many rooms cannot all hit the chat gateway at
// once. sem is typically sized by the deployment's configured maximum
// concurrent request count; nil leaves runs unbounded.
func (a *RoomAgent) SetConcurrencyLimiter(sem chan struct{}) *RoomAgent {
	a.graphSem = sem
	return a
}

// Start spawns the worker goroutine that drains the mailbox in FIFO order.
// Stops when ctx is canceled or Stop is called.
func (a *RoomAgent) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.run(ctx)
}

// Stop halts the worker goroutine and waits for it to exit. Safe to call
// more than once.
func (a *RoomAgent) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
	})
	a.wg.Wait()
}

// OnNewTranscript enqueues a new transcript turn. Returns
// triageerr.ErrOverloaded if the mailbox is full and no non-customer turn
// can be dropped to make room.
func (a *RoomAgent) OnNewTranscript(role datatypes.Role, speaker, text string, timestamp time.Time, confidence *float64) error {
	return a.enqueue(mailboxEntry{
		kind:       entryTranscript,
		role:       role,
		speaker:    speaker,
		text:       text,
		timestamp:  timestamp,
		confidence: confidence,
	})
}

// SetCustomerContext enqueues a context binding. It is processed in FIFO
// order with transcript turns so the prefix never changes mid-flight
// relative to turns already queued ahead of it.
func (a *RoomAgent) SetCustomerContext(info CustomerInfo, history []datatypes.TranscriptTurn) error {
	return a.enqueue(mailboxEntry{
		kind:         entrySetContext,
		customerInfo: info,
		historySeed:  history,
	})
}

// Reset enqueues a full session reset.
func (a *RoomAgent) Reset() error {
	return a.enqueue(mailboxEntry{kind: entryReset})
}

// Inspect enqueues a read-only snapshot request and blocks until the
// worker processes it (in FIFO order relative to turns queued ahead of
// it), or ctx is done.
func (a *RoomAgent) Inspect(ctx context.Context) (SessionSnapshot, error) {
	respond := make(chan SessionSnapshot, 1)
	if err := a.enqueue(mailboxEntry{kind: entryInspect, respond: respond}); err != nil {
		return SessionSnapshot{}, err
	}
	select {
	case snap := <-respond:
		return snap, nil
	case <-ctx.Done():
		return SessionSnapshot{}, ctx.Err()
	}
}

// enqueue appends entry to the mailbox, applying the overflow policy when
// full: drop the oldest queued non-customer transcript turn to make room;
// if none exists (every queued entry is a customer turn, a context bind,
// or a reset), fail with ErrOverloaded rather than silently dropping
// customer speech.
func (a *RoomAgent) enqueue(entry mailboxEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.queue) >= a.capacity {
		idx := firstDroppableIndex(a.queue)
		if idx < 0 {
			return triageerr.ErrOverloaded
		}
		a.queue = append(a.queue[:idx], a.queue[idx+1:]...)
	}

	a.queue = append(a.queue, entry)
	select {
	case a.notify <- struct{}{}:
	default:
	}
	return nil
}

// firstDroppableIndex returns the index of the oldest queued non-customer
// transcript entry, or -1 if none exists.
func firstDroppableIndex(queue []mailboxEntry) int {
	for i, e := range queue {
		if e.kind == entryTranscript && e.role != datatypes.RoleCustomer {
			return i
		}
	}
	return -1
}

// run is the worker loop: wait for work, then drain the queue FIFO until
// empty, then wait again. Mirrors a file-watcher's Start
// goroutine shape (wait-then-drain) rather than a blocking channel receive
// per item, since the queue here must be inspectable for the overflow
// policy and can't be a bare channel.
func (a *RoomAgent) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-a.notify:
		}

		for {
			a.mu.Lock()
			if len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			entry := a.queue[0]
			a.queue = a.queue[1:]
			a.mu.Unlock()

			a.process(ctx, entry)

			select {
			case <-ctx.Done():
				return
			case <-a.done:
				return
			default:
			}
		}
	}
}

func (a *RoomAgent) process(ctx context.Context, entry mailboxEntry) {
	switch entry.kind {
	case entryReset:
		a.processReset()
	case entrySetContext:
		a.processSetContext(entry)
	case entryTranscript:
		a.processTranscript(ctx, entry)
	case entryInspect:
		a.processInspect(entry)
	}
}

func (a *RoomAgent) processInspect(entry mailboxEntry) {
	entry.respond <- SessionSnapshot{
		TurnCount:           len(a.turns),
		LastSummarizedIndex: a.lastSummarizedIndex,
		CurrentSummary:      a.currentSummary,
		SystemPrefix:        a.systemPrefix,
		ProcessedTurns:      len(a.processedTurnIDs),
	}
}

func (a *RoomAgent) processReset() {
	a.turns = nil
	a.lastSummarizedIndex = 0
	a.currentSummary = ""
	a.processedTurnIDs = make(map[string]struct{})
	a.systemPrefix = basePromptPrefix
	a.boundCustomerID = ""
	a.prefixBound = false
}

// processSetContext rebuilds the static prefix exactly once per new
// customer binding. A repeated call for the same
// CustomerID is a no-op, preserving the byte-identical prefix contract
// that enables provider-side implicit prompt caching across turns.
func (a *RoomAgent) processSetContext(entry mailboxEntry) {
	if a.prefixBound && entry.customerInfo.CustomerID == a.boundCustomerID {
		return
	}
	a.systemPrefix = buildSystemPrefix(entry.customerInfo, entry.historySeed)
	a.boundCustomerID = entry.customerInfo.CustomerID
	a.prefixBound = true
	if len(entry.historySeed) > 0 {
		a.turns = append([]datatypes.TranscriptTurn(nil), entry.historySeed...)
	}
}

func (a *RoomAgent) processTranscript(ctx context.Context, entry mailboxEntry) {
	turn := datatypes.TranscriptTurn{
		TurnID:     uuid.NewString(),
		TurnIndex:  len(a.turns),
		Role:       entry.role,
		Speaker:    entry.speaker,
		Text:       entry.text,
		Timestamp:  entry.timestamp,
		Confidence: entry.confidence,
	}
	a.turns = append(a.turns, turn)
	if a.persistTurn != nil {
		a.persistTurn(ctx, a.roomID, turn)
	}

	if entry.role != datatypes.RoleCustomer {
		return
	}
	if _, seen := a.processedTurnIDs[turn.TurnID]; seen {
		return
	}

	session := &graph.SessionInput{
		SessionID:           a.roomID,
		Turns:               append([]datatypes.TranscriptTurn(nil), a.turns...),
		LastSummarizedIndex: a.lastSummarizedIndex,
		CurrentSummary:      a.currentSummary,
		IntentLabels:        a.intentLabels,
		SystemPrefix:        a.systemPrefix,
	}

	if a.graphSem != nil {
		select {
		case a.graphSem <- struct{}{}:
			defer func() { <-a.graphSem }()
		case <-ctx.Done():
			a.processedTurnIDs[turn.TurnID] = struct{}{}
			return
		}
	}

	result, err := a.executor.Run(ctx, session)
	// processed_turn_ids is recorded whether the run succeeds, partially
	// fails, or errors structurally: a stuck upstream must not replay the
	// same turn forever.
	a.processedTurnIDs[turn.TurnID] = struct{}{}

	if err != nil {
		a.logger.Error("analysis graph run failed",
			slog.String("room", a.roomID),
			slog.String("turn_id", turn.TurnID),
			slog.String("error", err.Error()),
		)
		return
	}

	a.mergeResult(ctx, turn.TurnID, result)
}

// analysisNodeNames lists the seven graph nodes in a stable order so
// result emission order is deterministic across runs.
var analysisNodeNames = []string{
	graph.NodeSummarize, graph.NodeIntent, graph.NodeSentiment,
	graph.NodeRAGPolicy, graph.NodeFAQSearch, graph.NodeRisk, graph.NodeDraftReply,
}

// mergeResult folds the graph run's per-node outputs into session state
// and emits one AnalysisResult per node that produced an output or a
// failure, isolating each kind's error from the others.
func (a *RoomAgent) mergeResult(ctx context.Context, turnID string, result *graph.Result) {
	if summary, ok := result.NodeOutputs[graph.NodeSummarize].(datatypes.SummaryPayload); ok {
		a.currentSummary = summary.Summary
		a.lastSummarizedIndex = len(a.turns)
	}

	for _, name := range analysisNodeNames {
		kind, ok := graph.ResultKindForNode(name)
		if !ok {
			continue
		}

		if nodeErr, failed := result.NodeErrors[name]; failed {
			a.emit(ctx, datatypes.AnalysisResult{
				SessionID:  a.roomID,
				TurnID:     turnID,
				Kind:       kind,
				Payload:    nil,
				ErrorCode:  triageerr.Code(nodeErr),
				ProducedAt: time.Now().UTC(),
			})
			continue
		}

		output, ok := result.NodeOutputs[name]
		if !ok {
			continue
		}
		a.emit(ctx, datatypes.AnalysisResult{
			SessionID:  a.roomID,
			TurnID:     turnID,
			Kind:       kind,
			Payload:    output,
			ProducedAt: time.Now().UTC(),
		})
	}
}

func (a *RoomAgent) emit(ctx context.Context, result datatypes.AnalysisResult) {
	if a.persistResult != nil {
		a.persistResult(ctx, result)
	}
	if a.publish == nil {
		return
	}
	a.publish(ctx, result)
}
