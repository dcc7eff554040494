package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"athena/internal/domain"
)

const reloadDebounce = 100 * time.Millisecond

// FileStore keeps all schedules in one YAML or JSON file mapping session ids
// to block lists. External edits are picked up through fsnotify.
type FileStore struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	mu        sync.RWMutex
	schedules map[string][]domain.ScheduleBlock
	reloads   chan struct{}
}

var _ domain.ScheduleStore = (*FileStore)(nil)

// NewFileStore loads path and starts watching its directory. A missing file
// starts empty and is created on the first Save.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve schedule path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o700); err != nil {
		return nil, fmt.Errorf("create schedule dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		path:      absPath,
		logger:    logger,
		watcher:   watcher,
		cancel:    cancel,
		schedules: make(map[string][]domain.ScheduleBlock),
		reloads:   make(chan struct{}, 1),
	}

	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("initial schedule load failed", "path", absPath, "error", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("watch schedule dir: %w", err)
	}

	go s.watchLoop(ctx)
	return s, nil
}

// Load returns a copy of the session schedule.
func (s *FileStore) Load(_ context.Context, sessionID string) ([]domain.ScheduleBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blocks := s.schedules[sessionOrDefault(sessionID)]
	out := make([]domain.ScheduleBlock, len(blocks))
	copy(out, blocks)
	return out, nil
}

// Save updates the session schedule and rewrites the file.
func (s *FileStore) Save(_ context.Context, sessionID string, blocks []domain.ScheduleBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if blocks == nil {
		blocks = []domain.ScheduleBlock{}
	}
	s.schedules[sessionOrDefault(sessionID)] = blocks

	data, err := yaml.Marshal(toFileRecords(s.schedules))
	if err != nil {
		return fmt.Errorf("marshal schedules: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return domain.NewDomainError("schedule.Save", domain.ErrStoreUnavailable, err.Error())
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return domain.NewDomainError("schedule.Save", domain.ErrStoreUnavailable, err.Error())
	}
	return nil
}

// Reloaded signals after every successful reload triggered by a file event.
func (s *FileStore) Reloaded() <-chan struct{} { return s.reloads }

// Close stops the watcher.
func (s *FileStore) Close() error {
	s.cancel()
	return s.watcher.Close()
}

func (s *FileStore) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := s.load(); err != nil {
					s.logger.Warn("schedule reload failed", "path", s.path, "error", err)
					return
				}
				s.logger.Debug("schedules reloaded", "path", s.path)
				select {
				case s.reloads <- struct{}{}:
				default:
				}
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("schedule watcher error", "error", err)
		}
	}
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	parsed := make(map[string][]fileBlock)
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		if jsonErr := json.Unmarshal(data, &parsed); jsonErr != nil {
			return fmt.Errorf("parse schedule file: %w", err)
		}
	}
	s.mu.Lock()
	s.schedules = fromFileRecords(parsed)
	s.mu.Unlock()
	return nil
}

// fileBlock is the on-disk form of a block. Days is a pointer so that an
// explicit empty list survives a write and reload while an absent one stays
// nil.
type fileBlock struct {
	StartMinutes int    `yaml:"start_minutes" json:"start_minutes"`
	EndMinutes   int    `yaml:"end_minutes" json:"end_minutes"`
	Strictness   int    `yaml:"strictness" json:"strictness"`
	Days         *[]int `yaml:"days,omitempty" json:"days,omitempty"`
	Goal         string `yaml:"goal,omitempty" json:"goal,omitempty"`
}

func toFileRecords(in map[string][]domain.ScheduleBlock) map[string][]fileBlock {
	out := make(map[string][]fileBlock, len(in))
	for key, blocks := range in {
		recs := make([]fileBlock, len(blocks))
		for i, b := range blocks {
			recs[i] = fileBlock{
				StartMinutes: b.StartMinutes,
				EndMinutes:   b.EndMinutes,
				Strictness:   b.Strictness,
				Goal:         b.Goal,
			}
			if b.Days != nil {
				days := b.Days
				recs[i].Days = &days
			}
		}
		out[key] = recs
	}
	return out
}

func fromFileRecords(in map[string][]fileBlock) map[string][]domain.ScheduleBlock {
	out := make(map[string][]domain.ScheduleBlock, len(in))
	for key, recs := range in {
		blocks := make([]domain.ScheduleBlock, len(recs))
		for i, r := range recs {
			blocks[i] = domain.ScheduleBlock{
				StartMinutes: r.StartMinutes,
				EndMinutes:   r.EndMinutes,
				Strictness:   r.Strictness,
				Goal:         r.Goal,
			}
			if r.Days != nil {
				blocks[i].Days = *r.Days
				if blocks[i].Days == nil {
					blocks[i].Days = []int{}
				}
			}
		}
		out[key] = blocks
	}
	return out
}
