// Package agent implements the LLM agent subprocess supervisor (C8): one
// instance per (sessionId, worktreeId) that has been touched since the
// last process restart.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
)

// Status mirrors the subset of the worktree state machine a supervisor
// instance is responsible for driving (§4.8).
type Status string

const (
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// DefaultPromptTimeout bounds how long a single turn may run before the
// supervisor force-stops the subprocess (§5).
const DefaultPromptTimeout = 60 * time.Minute

// Store is the subset of storage.Store the supervisor needs.
type Store interface {
	AppendMessage(ctx context.Context, msg storage.ChatMessage) (storage.ChatMessage, error)
	SaveWorktree(ctx context.Context, wt storage.Worktree) error
	GetWorktree(ctx context.Context, sessionID, worktreeID string) (*storage.Worktree, error)
	AppendAuditEvent(ctx context.Context, workspaceID, event, detailsJSON string) error
}

// EventSink is where the supervisor forwards every agent-produced frame;
// satisfied by internal/router.SessionRouter (C9).
type EventSink interface {
	Broadcast(sessionID, worktreeID string, frame []byte)
}

// TurnMetrics receives per-turn counts; satisfied by internal/metrics.Collector.
type TurnMetrics interface {
	TurnStarted()
	TurnCompleted()
	TurnErrored()
}

// Config describes one supervisor instance.
type Config struct {
	WorkspaceID   string
	SessionID     string
	WorktreeID    string
	SpawnConfig   sandbox.InvocationConfig
	Store         Store
	Sink          EventSink
	Metrics       TurnMetrics
	PromptTimeout time.Duration
}

// Supervisor owns one agent subprocess and the turn discipline around it.
type Supervisor struct {
	cfg Config

	mu        sync.RWMutex
	process   *Process
	status    Status
	statusErr string
	crashes   int

	promptMu       sync.Mutex
	promptInFlight bool
	currentTurnID  string

	deltaMu sync.Mutex
	deltas  map[string]*strings.Builder // turnId -> accumulated text, for crash commit

	stdinMu sync.Mutex // serialises writes to the agent's stdin

	watchdogSeq uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = DefaultPromptTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		status: StatusStarting,
		deltas: make(map[string]*strings.Builder),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Start spawns the agent subprocess via C1 and begins reading its stdout.
func (s *Supervisor) Start() error {
	process, err := Spawn(s.cfg.SpawnConfig)
	if err != nil {
		s.setStatus(StatusError, err.Error())
		_ = s.cfg.Store.AppendAuditEvent(s.ctx, s.cfg.WorkspaceID, storage.EventAgentSpawnFailed, err.Error())
		return err
	}

	s.mu.Lock()
	s.process = process
	s.mu.Unlock()

	go s.readLoop(process)
	go s.monitorExit(process)

	return nil
}

// HandlePrompt accepts a user message, persists it, and forwards it to
// the agent's stdin. Rejects with an error unless the worktree is ready,
// idle, or completed (§4.8 turn discipline).
func (s *Supervisor) HandlePrompt(ctx context.Context, text string) error {
	s.mu.RLock()
	status := s.status
	process := s.process
	s.mu.RUnlock()

	if status != StatusReady && status != StatusIdle && status != StatusCompleted {
		return fmt.Errorf("agent: worktree busy (status=%s)", status)
	}
	if process == nil {
		return fmt.Errorf("agent: no subprocess running")
	}

	s.promptMu.Lock()
	if s.promptInFlight {
		s.promptMu.Unlock()
		return fmt.Errorf("agent: worktree busy")
	}
	s.promptInFlight = true
	s.promptMu.Unlock()

	msg := storage.ChatMessage{
		SessionID:  s.cfg.SessionID,
		WorktreeID: s.cfg.WorktreeID,
		Role:       storage.RoleUser,
		Text:       text,
	}
	if _, err := s.cfg.Store.AppendMessage(ctx, msg); err != nil {
		s.promptMu.Lock()
		s.promptInFlight = false
		s.promptMu.Unlock()
		return fmt.Errorf("agent: persist user message: %w", err)
	}

	frame := frameFor(FrameUserMessage, map[string]string{"text": text})
	if err := s.writeStdin(process, frame); err != nil {
		s.promptMu.Lock()
		s.promptInFlight = false
		s.promptMu.Unlock()
		return fmt.Errorf("agent: write prompt: %w", err)
	}

	go s.watchPromptTimeout(s.cfg.PromptTimeout)
	return nil
}

// HandleWakeUp re-runs the spawn flow after a crash-induced `stopped`
// transition; automatic restart is deliberately not performed (§4.8).
func (s *Supervisor) HandleWakeUp() error {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	if status != StatusStopped && status != StatusError {
		return fmt.Errorf("agent: worktree is not stopped (status=%s)", status)
	}
	return s.Start()
}

// Stop terminates the subprocess (SIGTERM then SIGKILL after grace) and
// marks the supervisor stopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	process := s.process
	s.status = StatusStopped
	s.mu.Unlock()

	if process != nil {
		_ = process.Stop()
	}
	s.cancel()
}

func (s *Supervisor) writeStdin(process *Process, data []byte) error {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	data = append(data, '\n')
	_, err := process.Stdin().Write(data)
	return err
}

func frameFor(method string, params any) []byte {
	p, _ := json.Marshal(params)
	f := Frame{Method: method, Params: p}
	data, _ := json.Marshal(f)
	return data
}

func (s *Supervisor) setStatus(status Status, errMsg string) {
	s.mu.Lock()
	s.status = status
	s.statusErr = errMsg
	s.mu.Unlock()
}

func (s *Supervisor) readLoop(process *Process) {
	scanner := NewFrameScanner(process.Stdout())
	for {
		frame, err := scanner.Next()
		if err != nil {
			return
		}
		s.handleFrame(frame)
	}
}

func (s *Supervisor) handleFrame(frame *Frame) {
	raw, _ := json.Marshal(frame)
	if s.cfg.Sink != nil {
		s.cfg.Sink.Broadcast(s.cfg.SessionID, s.cfg.WorktreeID, raw)
	}

	switch frame.Method {
	case EventReady:
		s.setStatus(StatusReady, "")
		s.transitionWorktree(storage.WorktreeReady)

	case EventTurnStarted:
		s.setStatus(StatusProcessing, "")
		s.transitionWorktree(storage.WorktreeProcessing)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TurnStarted()
		}

	case EventAssistantDelta:
		var p assistantDeltaPayload
		_ = json.Unmarshal(frame.Params, &p)
		s.appendDelta(p.TurnID, p.Delta)

	case EventAssistantMessage:
		var p assistantMessagePayload
		_ = json.Unmarshal(frame.Params, &p)
		s.clearDelta(p.TurnID)
		if p.Text != "" {
			msg := storage.ChatMessage{
				SessionID:  s.cfg.SessionID,
				WorktreeID: s.cfg.WorktreeID,
				Role:       storage.RoleAssistant,
				Text:       p.Text,
			}
			if _, err := s.cfg.Store.AppendMessage(s.ctx, msg); err != nil {
				slog.Error("agent: persist assistant message", "sessionId", s.cfg.SessionID, "worktreeId", s.cfg.WorktreeID, "err", err)
			}
		}

	case EventTurnCompleted:
		s.endPrompt()
		s.setStatus(StatusCompleted, "")
		s.transitionWorktree(storage.WorktreeCompleted)
		s.requestDiffSnapshot()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TurnCompleted()
		}

	case EventTurnError:
		var p turnErrorPayload
		_ = json.Unmarshal(frame.Params, &p)
		if !p.WillRetry {
			s.endPrompt()
			s.setStatus(StatusError, p.Message)
			s.transitionWorktree(storage.WorktreeError)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TurnErrored()
		}
	}
}

func (s *Supervisor) appendDelta(turnID, delta string) {
	if turnID == "" {
		return
	}
	s.deltaMu.Lock()
	defer s.deltaMu.Unlock()
	b, ok := s.deltas[turnID]
	if !ok {
		b = &strings.Builder{}
		s.deltas[turnID] = b
	}
	b.WriteString(delta)
}

func (s *Supervisor) clearDelta(turnID string) {
	s.deltaMu.Lock()
	defer s.deltaMu.Unlock()
	delete(s.deltas, turnID)
}

func (s *Supervisor) endPrompt() {
	s.promptMu.Lock()
	s.promptInFlight = false
	s.promptMu.Unlock()
}

func (s *Supervisor) transitionWorktree(status string) {
	wt, err := s.cfg.Store.GetWorktree(s.ctx, s.cfg.SessionID, s.cfg.WorktreeID)
	if err != nil || wt == nil {
		return
	}
	wt.Status = status
	_ = s.cfg.Store.SaveWorktree(s.ctx, *wt)
}

// requestDiffSnapshot asks C1 for a git status/diff snapshot and
// broadcasts it as a repo_diff event; invoked after every completed turn.
func (s *Supervisor) requestDiffSnapshot() {
	out, err := sandbox.Output(sandbox.InvocationConfig{
		WorkspaceID: s.cfg.WorkspaceID,
		Cwd:         s.cfg.SpawnConfig.Cwd,
		AllowRO:     []string{s.cfg.SpawnConfig.Cwd},
		Cmd:         "git",
		Args:        []string{"diff", "HEAD"},
	})
	if err != nil {
		return
	}
	frame := frameFor(EventRepoDiff, map[string]string{"diff": string(out)})
	if s.cfg.Sink != nil {
		s.cfg.Sink.Broadcast(s.cfg.SessionID, s.cfg.WorktreeID, frame)
	}
}

// watchPromptTimeout force-stops the subprocess if the in-flight turn
// never reaches turn_completed/turn_error within the timeout (§5).
func (s *Supervisor) watchPromptTimeout(timeout time.Duration) {
	seq := atomic.AddUint64(&s.watchdogSeq, 1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	<-timer.C

	s.promptMu.Lock()
	inFlight := s.promptInFlight
	s.promptMu.Unlock()
	if !inFlight {
		return
	}
	if atomic.LoadUint64(&s.watchdogSeq) != seq {
		return
	}

	slog.Error("agent: prompt timed out, force-stopping subprocess", "sessionId", s.cfg.SessionID, "worktreeId", s.cfg.WorktreeID)
	s.endPrompt()
	s.setStatus(StatusError, fmt.Sprintf("prompt timed out after %s", timeout))
	s.transitionWorktree(storage.WorktreeError)

	s.mu.RLock()
	process := s.process
	s.mu.RUnlock()
	if process != nil {
		_ = process.Stop()
	}
}

// monitorExit detects subprocess crashes, commits any partially streamed
// assistant message with an error suffix, and transitions to `stopped`.
// Automatic restart on crash is not performed — the client must send an
// explicit wake_up frame (§4.8).
func (s *Supervisor) monitorExit(process *Process) {
	err := process.Wait()

	s.mu.Lock()
	if s.process != process {
		s.mu.Unlock()
		return
	}
	if s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	s.crashes++
	s.mu.Unlock()

	s.commitPartialDeltas(err)

	s.setStatus(StatusStopped, "")
	s.transitionWorktree(storage.WorktreeStopped)
	_ = s.cfg.Store.AppendAuditEvent(s.ctx, s.cfg.WorkspaceID, storage.EventAgentSpawnFailed, fmt.Sprintf("subprocess exited: %v", err))
}

func (s *Supervisor) commitPartialDeltas(exitErr error) {
	s.deltaMu.Lock()
	pending := s.deltas
	s.deltas = make(map[string]*strings.Builder)
	s.deltaMu.Unlock()

	for _, b := range pending {
		text := b.String()
		if text == "" {
			continue
		}
		suffix := "\n\n[agent process exited before completing this response]"
		if exitErr != nil {
			suffix = fmt.Sprintf("\n\n[agent process exited: %v]", exitErr)
		}
		msg := storage.ChatMessage{
			SessionID:  s.cfg.SessionID,
			WorktreeID: s.cfg.WorktreeID,
			Role:       storage.RoleAssistant,
			Text:       text + suffix,
		}
		_, _ = s.cfg.Store.AppendMessage(s.ctx, msg)
	}
}
