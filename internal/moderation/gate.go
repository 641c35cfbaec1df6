// Package moderation implements the synchronous content gate run on every
// candidate message body before it is persisted or broadcast. The same gate
// is embedded in the client for the optimistic pre-check; the server's
// verdict is the authoritative one.
package moderation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"golang.org/x/text/cases"
)

// Result is the outcome of classifying a message body.
type Result struct {
	Allowed bool
	// Reason is a stable code ("EmptyContent", "ModerationRejected") when
	// Allowed is false, and empty otherwise.
	Reason string
	// Term is the blocked term that matched, for operator-facing logs only.
	// It is never sent back to clients.
	Term string
}

const (
	ReasonEmpty      = "EmptyContent"
	ReasonModeration = "ModerationRejected"
)

// defaultTerms is the compiled-in blocklist. A BLOCKLIST_PATH file extends
// (not replaces) this set.
var defaultTerms = []string{
	"viagra",
	"casino bonus",
	"crypto giveaway",
	"free money",
	"nude pics",
}

// Gate classifies message bodies against a blocked-term set. Matching is
// case-folded substring containment. Gate is safe for concurrent use.
type Gate struct {
	mu     sync.RWMutex
	terms  []string // already case-folded
	fs     afero.Fs
	path   string
	logger *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithTerms appends extra blocked terms to the compiled-in defaults.
func WithTerms(terms ...string) Option {
	return func(g *Gate) {
		for _, t := range terms {
			if t = strings.TrimSpace(t); t != "" {
				g.terms = append(g.terms, fold(t))
			}
		}
	}
}

// WithFile loads additional terms from a file (one term per line, '#' for
// comments) on construction and on every Reload.
func WithFile(fs afero.Fs, path string) Option {
	return func(g *Gate) {
		g.fs = fs
		g.path = path
	}
}

// New creates a Gate with the default term set plus any configured extras.
func New(opts ...Option) *Gate {
	g := &Gate{
		logger: slog.Default().With("service", "moderation"),
	}
	for _, t := range defaultTerms {
		g.terms = append(g.terms, fold(t))
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.path != "" {
		if err := g.Reload(); err != nil {
			g.logger.Warn("could not load blocklist file, using built-in terms", "path", g.path, "error", err)
		}
	}
	return g
}

// Classify decides whether a message body may propagate. It is a pure
// function of the text and the current term set and never blocks.
func (g *Gate) Classify(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Allowed: false, Reason: ReasonEmpty}
	}

	folded := fold(text)

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, term := range g.terms {
		if strings.Contains(folded, term) {
			return Result{Allowed: false, Reason: ReasonModeration, Term: term}
		}
	}
	return Result{Allowed: true}
}

// Reload re-reads the blocklist file and swaps in the merged term set.
func (g *Gate) Reload() error {
	if g.fs == nil || g.path == "" {
		return nil
	}

	f, err := g.fs.Open(g.path)
	if err != nil {
		return fmt.Errorf("failed to open blocklist: %w", err)
	}
	defer f.Close()

	terms := make([]string, 0, len(defaultTerms))
	for _, t := range defaultTerms {
		terms = append(terms, fold(t))
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, fold(line))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read blocklist: %w", err)
	}

	g.mu.Lock()
	g.terms = terms
	g.mu.Unlock()

	g.logger.Info("blocklist reloaded", "path", g.path, "terms", len(terms))
	return nil
}

// Watch re-reads the blocklist file whenever it changes on disk. It blocks
// until the context is canceled, so call it in its own goroutine. Watching
// only works with the OS filesystem; in-memory filesystems used in tests
// should call Reload directly.
func (g *Gate) Watch(ctx context.Context) error {
	if g.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create blocklist watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file, which drops a
	// watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(g.path)); err != nil {
		return fmt.Errorf("failed to watch blocklist directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(g.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := g.Reload(); err != nil {
				g.logger.Error("blocklist reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.Error("blocklist watcher error", "error", err)
		}
	}
}

// fold lowercases with full Unicode case folding so matching is insensitive
// to case in any script.
func fold(s string) string {
	return cases.Fold().String(s)
}
