// Package session spawns worker agent sessions as child processes and
// fans delegations out in parallel. Each worker gets a freshly assembled
// system prompt (soul + team charter + scoped context) and reports its
// result on stdout.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"atelier/internal/logging"
)

// PromptCache serves agent prompt assets from disk and invalidates on
// file changes, so soul edits take effect without a restart.
//
// Layout under the prompts dir:
//
//	TEAM.md              shared charter appended to every agent
//	<agent>/SOUL.md      per-agent identity
type PromptCache struct {
	dir     string
	mu      sync.RWMutex
	cache   map[string]string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewPromptCache builds a cache over dir. A missing dir is fine: every
// lookup falls back to the default soul.
func NewPromptCache(dir string) (*PromptCache, error) {
	pc := &PromptCache{
		dir:   dir,
		cache: make(map[string]string),
		done:  make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	pc.watcher = watcher

	if err := watcher.Add(dir); err != nil {
		logging.SessionDebug("prompts dir %s not watchable: %v", dir, err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.IsDir() {
			_ = watcher.Add(filepath.Join(dir, e.Name()))
		}
	}

	go pc.watch()
	return pc, nil
}

func (pc *PromptCache) watch() {
	for {
		select {
		case <-pc.done:
			return
		case event, ok := <-pc.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				logging.SessionDebug("prompt asset changed: %s", event.Name)
				pc.mu.Lock()
				pc.cache = make(map[string]string)
				pc.mu.Unlock()
				// New agent dirs need their own watch.
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = pc.watcher.Add(event.Name)
					}
				}
			}
		case err, ok := <-pc.watcher.Errors:
			if !ok {
				return
			}
			logging.SessionWarn("prompt watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (pc *PromptCache) Close() error {
	close(pc.done)
	return pc.watcher.Close()
}

func (pc *PromptCache) read(relPath string) (string, bool) {
	pc.mu.RLock()
	if content, ok := pc.cache[relPath]; ok {
		pc.mu.RUnlock()
		return content, content != ""
	}
	pc.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(pc.dir, relPath))
	content := ""
	if err == nil {
		content = strings.TrimSpace(string(data))
	}

	pc.mu.Lock()
	pc.cache[relPath] = content
	pc.mu.Unlock()
	return content, content != ""
}

// Soul returns the agent's identity prompt, or the generic fallback when
// no SOUL.md exists.
func (pc *PromptCache) Soul(agent string) string {
	if soul, ok := pc.read(filepath.Join(agent, "SOUL.md")); ok {
		return soul
	}
	return fmt.Sprintf("You are the %s agent.", agent)
}

// Team returns the shared charter, or empty when none exists.
func (pc *PromptCache) Team() string {
	team, _ := pc.read("TEAM.md")
	return team
}

// SystemPrompt assembles the full system prompt for one spawn: soul,
// then the team charter, then the scoped context as a fenced JSON block.
func (pc *PromptCache) SystemPrompt(agent string, context map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(pc.Soul(agent))

	if team := pc.Team(); team != "" {
		b.WriteString("\n\n")
		b.WriteString(team)
	}

	if len(context) > 0 {
		if blob, err := json.MarshalIndent(context, "", "  "); err == nil {
			b.WriteString("\n\n## Context\n```json\n")
			b.Write(blob)
			b.WriteString("\n```")
		}
	}
	return b.String()
}
