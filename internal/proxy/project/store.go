// Package project implements the Project Store: a flat directory of
// JSON documents, one per named project. Writes are atomic (tmp file
// plus rename), large response bodies are zstd-compressed on disk, and
// unrecognized top-level document fields survive a save untouched.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaywire/proxycore/pkg/types"
)

// Store owns the single active project document this process drives
// interception against, plus CRUD over the flat directory of project
// files. Only one project is active at a time: there is one browser
// session to capture from.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	active *document
	name   string
	dirty  bool
	timer  *time.Timer
}

// New constructs a Store rooted at cfg.RootDir. The directory is created
// if absent.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("project: failed to create root dir: %w", err)
	}
	return &Store{cfg: cfg, logger: logger}, nil
}

// List returns every project name known to the store, derived from the
// `.json` files directly under RootDir.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("project: failed to list root dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Create makes a new, empty project document and makes it the active
// one. Fails if a project by that name already exists.
func (s *Store) Create(name string) (*types.Project, error) {
	path, err := s.pathFor(name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, ErrAlreadyExists
	}

	now := time.Now()
	p := &types.Project{
		Name: name, Created: now, LastModified: now,
		Requests: []*types.Exchange{}, ExclusionRules: []types.ExclusionRule{},
		MatchReplaceRules: []types.MatchReplaceRule{}, RepeaterTabs: []types.RepeaterTab{},
	}
	doc := &document{project: p}

	if err := s.writeDocument(path, doc); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.active, s.name = doc, name
	s.mu.Unlock()
	return p, nil
}

// Load reads a project document from disk and makes it the active one.
func (s *Store) Load(name string) (*types.Project, error) {
	path, err := s.pathFor(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.active != nil && s.name == name {
		// Persist pending mutations first so the read below sees them.
		if err := s.flushLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("project: failed to read %s: %w", name, err)
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("project: failed to decode %s: %w", name, err)
	}

	if err := decompressHistory(doc.project); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.active, s.name, s.dirty = doc, name, false
	s.mu.Unlock()
	return doc.project, nil
}

// Save replaces the on-disk document for name with p (the HTTP PUT
// path), and makes it the active project.
func (s *Store) Save(name string, p *types.Project) error {
	path, err := s.pathFor(name)
	if err != nil {
		return err
	}
	p.LastModified = time.Now()
	doc := &document{project: p}
	if err := s.writeDocument(path, doc); err != nil {
		return err
	}

	s.mu.Lock()
	s.active, s.name, s.dirty = doc, name, false
	s.mu.Unlock()
	return nil
}

// Flush synchronously persists the active project if it has unsaved
// mutations, and cancels any pending debounced autosave.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty || s.active == nil {
		return nil
	}
	path, err := s.pathFor(s.name)
	if err != nil {
		return err
	}
	s.active.project.LastModified = time.Now()
	compressed := cloneForSave(s.active)
	if err := s.writeDocument(path, compressed); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Close flushes any pending autosave. Safe to call even if nothing was
// ever loaded.
func (s *Store) Close() error {
	return s.Flush()
}

// ExclusionRules implements coordinator.RuleSource.
func (s *Store) ExclusionRules() []types.ExclusionRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.project.ExclusionRules
}

// RewriteRules implements coordinator.RuleSource.
func (s *Store) RewriteRules() []types.MatchReplaceRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.project.MatchReplaceRules
}

// ExcludedMatcher is the Exclusion Filter's matching contract, narrowed
// to what PurgeExcluded needs. internal/proxy/exclusion.Filter satisfies
// it directly.
type ExcludedMatcher interface {
	IsExcluded(rawURL string, rules []types.ExclusionRule) bool
}

// PurgeExcluded removes every history entry that matches one of the
// active project's own current exclusion rules, the retroactive purge
// the Exclusion Filter's own doc comment calls out as "a separate store
// operation, not a filter concern": adding an exclusion rule only stops
// future captures, it never rewrites history on its own. Returns the
// number of exchanges removed.
func (s *Store) PurgeExcluded(filter ExcludedMatcher) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0
	}

	rules := s.active.project.ExclusionRules
	kept := s.active.project.Requests[:0]
	removed := 0
	for _, ex := range s.active.project.Requests {
		if filter.IsExcluded(ex.URL, rules) {
			removed++
			continue
		}
		kept = append(kept, ex)
	}
	s.active.project.Requests = kept
	if removed > 0 {
		s.markDirtyLocked()
	}
	return removed
}

// Exchanges returns a snapshot of the active project's captured exchange
// history, for the read-only SQL query surface (internal/proxy/query) and
// any other offline consumer. The returned slice is a fresh copy, but the
// Exchange pointers it holds are shared with the live document.
func (s *Store) Exchanges() []*types.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	out := make([]*types.Exchange, len(s.active.project.Requests))
	copy(out, s.active.project.Requests)
	return out
}

// EmitCaptureRequest implements coordinator.Router, recording every
// captured request into the active project's history.
func (s *Store) EmitCaptureRequest(data types.RequestData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	s.active.project.Requests = append(s.active.project.Requests, &types.Exchange{
		ID: data.ID, Seq: data.Seq, Method: data.Method, URL: data.URL,
		RequestHeaders: data.Headers, RequestBody: data.Body,
		State: types.StateInFlight, ResourceType: data.ResourceType,
		Timestamp: time.UnixMilli(data.Timestamp),
	})
	s.markDirtyLocked()
}

// EmitCaptureResponse implements coordinator.Router, filling in the
// response half of a previously recorded exchange.
func (s *Store) EmitCaptureResponse(data types.ResponseData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	ex := findExchange(s.active.project, data.ReqID)
	if ex == nil {
		return
	}
	if data.Error != "" {
		// A synthetic-error response means the browser-level load
		// failed; there is no response sub-record to fill in.
		ex.Dropped = true
		ex.State = types.StateDropped
		s.markDirtyLocked()
		return
	}
	ex.Response = &types.Response{
		Status: data.Status, Headers: data.Headers, Body: data.Body,
	}
	ex.State = types.StateCompleted
	s.markDirtyLocked()
}

// EmitInterceptPromptRequest implements coordinator.Router as a no-op:
// the prompt duplicates an exchange already recorded by
// EmitCaptureRequest, the history log only needs one copy.
func (s *Store) EmitInterceptPromptRequest(types.RequestData) {}

// EmitInterceptPromptResponse implements coordinator.Router as a no-op,
// for the same reason as EmitInterceptPromptRequest.
func (s *Store) EmitInterceptPromptResponse(types.ResponseData) {}

// EmitDegradedMode implements coordinator.Router as a no-op: entering
// degraded mode is not a capture event.
func (s *Store) EmitDegradedMode() {}

// RecordDrop marks a previously captured exchange dropped, seq
// preserved. Called by the command dispatcher
// alongside coordinator.Drop, since the Coordinator itself does not
// notify the Router of a drop.
func (s *Store) RecordDrop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	ex := findExchange(s.active.project, id)
	if ex == nil {
		return
	}
	ex.Dropped = true
	ex.State = types.StateDropped
	s.markDirtyLocked()
}

// markDirtyLocked schedules a debounced autosave, coalescing any
// further mutations that land before the interval elapses into the same
// write. A failed save is retried by the next autosave.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.timer != nil {
		return
	}
	interval := s.cfg.AutosaveInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.timer = time.AfterFunc(interval, func() {
		if err := s.Flush(); err != nil {
			s.logger.Warn("autosave failed, will retry on next mutation", zap.Error(err))
		}
	})
}

func (s *Store) writeDocument(path string, doc *document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

func (s *Store) pathFor(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	return filepath.Join(s.cfg.RootDir, name+".json"), nil
}

func findExchange(p *types.Project, id string) *types.Exchange {
	for _, ex := range p.Requests {
		if ex.ID == id {
			return ex
		}
	}
	return nil
}

// decompressHistory restores every compressed response body to plain
// bytes immediately on load, so in-memory history (read by the rewrite
// engine on replay, and by the SQL query surface) never has to check
// the compressed flag itself.
func decompressHistory(p *types.Project) error {
	for _, ex := range p.Requests {
		if ex.Response == nil || !ex.Response.Compressed {
			continue
		}
		body, err := decompressBody(ex.Response.Body, true)
		if err != nil {
			return err
		}
		ex.Response.Body = body
		ex.Response.Compressed = false
	}
	return nil
}

// cloneForSave returns a document whose response bodies are compressed
// for on-disk storage, leaving the in-memory active document's bodies
// untouched (and therefore still directly usable by rewrite/replay/SQL
// without a decompress round trip on every access).
func cloneForSave(doc *document) *document {
	p := *doc.project
	requests := make([]*types.Exchange, len(p.Requests))
	for i, ex := range p.Requests {
		clone := *ex
		if ex.Response != nil && !ex.Response.Compressed {
			resp := *ex.Response
			if body, ok := compressBody(resp.Body); ok {
				resp.Body, resp.Compressed, resp.Encoding = body, true, "zstd"
			}
			clone.Response = &resp
		}
		requests[i] = &clone
	}
	p.Requests = requests
	return &document{project: &p, extra: doc.extra}
}
