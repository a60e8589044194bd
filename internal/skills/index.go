package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/skillhost/skillhost/internal/observability"
)

// Index scans a skills root, validates every descriptor through the
// metadata loader, and answers name lookups and relevance queries.
// The name map is read-mostly: scans and reloads take the write lock,
// lookups take the read lock.
type Index struct {
	roots []string
	opts  LoadOptions

	mu      sync.RWMutex
	skills  map[string]*Metadata // key: lowercased name
	lastIdx time.Time

	hits   atomic.Uint64
	misses atomic.Uint64

	logger *slog.Logger

	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
	watchMu     sync.Mutex
}

// IndexStats summarizes index state for introspection.
type IndexStats struct {
	TotalSkills   int       `json:"totalSkills"`
	CacheHits     uint64    `json:"cacheHits"`
	CacheMisses   uint64    `json:"cacheMisses"`
	LastIndexedAt time.Time `json:"lastIndexedAt"`
}

// NewIndex creates an index over the given skills root. Call Scan before
// querying.
func NewIndex(root string, opts LoadOptions) *Index {
	return &Index{
		roots:  []string{root},
		opts:   opts,
		skills: make(map[string]*Metadata),
		logger: slog.Default().With("component", "skills"),
	}
}

// AddRoot appends an additional skills root. Earlier roots take precedence
// when two roots define the same skill name. Call before Scan.
func (ix *Index) AddRoot(root string) {
	ix.roots = append(ix.roots, root)
}

// Scan walks every root recursively, skipping dot-directories, and indexes
// each directory containing SKILL.md or METADATA.yml. Parse failures are
// logged and skipped; they never abort the scan. Within one root a
// duplicate name means the later directory wins with a warning; across
// roots the earlier root wins.
func (ix *Index) Scan(ctx context.Context) error {
	found := make(map[string]*Metadata)
	for _, root := range ix.roots {
		perRoot, err := ix.scanRoot(ctx, root)
		if err != nil {
			return err
		}
		for key, m := range perRoot {
			if prev, ok := found[key]; ok {
				ix.logger.Debug("skill shadowed by earlier root",
					"name", m.Name, "kept", prev.Path, "shadowed", m.Path)
				continue
			}
			found[key] = m
		}
	}

	ix.mu.Lock()
	ix.skills = found
	ix.lastIdx = time.Now()
	ix.mu.Unlock()

	observability.SkillsIndexed.Set(float64(len(found)))
	ix.logger.Info("indexed skills", "count", len(found), "roots", ix.roots)
	return nil
}

func (ix *Index) scanRoot(ctx context.Context, root string) (map[string]*Metadata, error) {
	found := make(map[string]*Metadata)

	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		ix.logger.Debug("skills root does not exist", "path", root)
		return found, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat skills root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", root)
	}

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			ix.logger.Warn("walk error", "path", path, "error", err)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}

		hasSkill := fileExists(filepath.Join(path, SkillFilename))
		hasSidecar := fileExists(filepath.Join(path, SidecarFilename))
		if !hasSkill && !hasSidecar {
			return nil
		}

		result, err := LoadMetadata(path, ix.opts)
		if err != nil {
			ix.logger.Warn("failed to load skill", "path", path, "error", err)
			return nil
		}
		for _, w := range result.Warnings {
			ix.logger.Warn("skill warning", "path", path, "warning", w)
		}

		key := strings.ToLower(result.Metadata.Name)
		if prev, ok := found[key]; ok {
			ix.logger.Warn("duplicate skill name, later path wins",
				"name", result.Metadata.Name,
				"oldPath", prev.Path,
				"newPath", path)
		}
		found[key] = result.Metadata
		ix.logger.Debug("indexed skill", "name", result.Metadata.Name, "path", path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Get returns the skill by name, case-insensitively.
func (ix *Index) Get(name string) (*Metadata, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	m, ok := ix.skills[strings.ToLower(name)]
	if ok {
		ix.hits.Add(1)
	} else {
		ix.misses.Add(1)
	}
	return m, ok
}

// List returns all indexed skills sorted by name.
func (ix *Index) List() []*Metadata {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*Metadata, 0, len(ix.skills))
	for _, m := range ix.skills {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListEligible returns indexed skills whose requirements are satisfied on
// this host, sorted by name.
func (ix *Index) ListEligible() []*Metadata {
	all := ix.List()
	out := make([]*Metadata, 0, len(all))
	for _, m := range all {
		if reason := ix.IneligibleReason(m); reason == "" {
			out = append(out, m)
		}
	}
	return out
}

// IneligibleReason returns a human-readable reason the skill cannot run on
// this host, or "" when it is eligible.
func (ix *Index) IneligibleReason(m *Metadata) string {
	if m.Requires == nil {
		return ""
	}
	for _, bin := range m.Requires.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Sprintf("missing binary: %s", bin)
		}
	}
	for _, env := range m.Requires.Env {
		if _, ok := os.LookupEnv(env); !ok {
			return fmt.Sprintf("missing environment variable: %s", env)
		}
	}
	return ""
}

// ReloadSkill re-runs the metadata loader on one skill's known path. When
// the skill is unknown the whole root is re-scanned.
func (ix *Index) ReloadSkill(ctx context.Context, name string) error {
	ix.mu.RLock()
	m, ok := ix.skills[strings.ToLower(name)]
	ix.mu.RUnlock()
	if !ok {
		return ix.Scan(ctx)
	}

	result, err := LoadMetadata(m.Path, ix.opts)
	if err != nil {
		return fmt.Errorf("reload %s: %w", name, err)
	}
	ix.mu.Lock()
	ix.skills[strings.ToLower(result.Metadata.Name)] = result.Metadata
	ix.mu.Unlock()
	return nil
}

// Stats reports index counters.
func (ix *Index) Stats() IndexStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return IndexStats{
		TotalSkills:   len(ix.skills),
		CacheHits:     ix.hits.Load(),
		CacheMisses:   ix.misses.Load(),
		LastIndexedAt: ix.lastIdx,
	}
}

// SearchOptions tunes FindRelevantSkills.
type SearchOptions struct {
	Limit            int     // default 3
	MinConfidence    float64 // default 0.15
	Domain           string  // restrict scoring to one domain
	RequiredKeywords []string
}

// Match is one search result.
type Match struct {
	Skill      *Metadata `json:"skill"`
	Confidence float64   `json:"confidence"`
}

// Scoring weights from the relevance contract.
const (
	weightKeywords    = 0.6
	weightDescription = 0.3
	weightDomain      = 0.1
)

// FindRelevantSkills scores eligible skills against a free-form intent.
// Confidence combines keyword, description, and domain scores; declared
// triggers can override with a stronger match. Results below MinConfidence
// are discarded, the rest are sorted by confidence descending with ties
// broken by name.
func (ix *Index) FindRelevantSkills(intent string, opts SearchOptions) []Match {
	if opts.Limit <= 0 {
		opts.Limit = 3
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.15
	}

	intentNorm := normalizeText(intent)
	intentToks := tokenize(intentNorm)
	if len(intentToks) == 0 {
		return nil
	}

	var matches []Match
	for _, m := range ix.ListEligible() {
		if opts.Domain != "" && !strings.EqualFold(m.Domain, opts.Domain) {
			continue
		}
		if !hasAllKeywords(m, opts.RequiredKeywords) {
			continue
		}
		conf := scoreSkill(m, intentNorm, intentToks, opts.Domain)
		if conf < opts.MinConfidence {
			continue
		}
		matches = append(matches, Match{Skill: m, Confidence: conf})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return matches[i].Skill.Name < matches[j].Skill.Name
	})
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches
}

func scoreSkill(m *Metadata, intentNorm string, intentToks []string, domainFilter string) float64 {
	tokSet := make(map[string]bool, len(intentToks))
	for _, t := range intentToks {
		tokSet[t] = true
	}

	matched := 0
	for _, kw := range m.Keywords {
		if tokSet[strings.ToLower(kw)] || strings.Contains(intentNorm, strings.ToLower(kw)) {
			matched++
		}
	}
	keywordScore := 0.0
	if len(m.Keywords) > 0 {
		keywordScore = float64(matched) / float64(len(m.Keywords))
	}

	descToks := tokenize(normalizeText(m.Description))
	descSet := make(map[string]bool, len(descToks))
	for _, t := range descToks {
		descSet[t] = true
	}
	descMatched := 0
	for _, t := range intentToks {
		if descSet[t] {
			descMatched++
		}
	}
	descScore := float64(descMatched) / float64(len(intentToks))

	domainScore := 0.0
	if domainFilter != "" && strings.EqualFold(m.Domain, domainFilter) {
		domainScore = 1.0
	} else if tokSet[strings.ToLower(m.Domain)] {
		domainScore = 1.0
	}

	score := weightKeywords*keywordScore + weightDescription*descScore + weightDomain*domainScore

	if ts := triggerScore(m.Triggers, intentNorm); ts > score {
		score = ts
	}
	if m.Triggers != nil && m.Triggers.Priority > 0 && m.Triggers.Priority <= 1 {
		score += 0.1 * m.Triggers.Priority
	}
	if score > 1 {
		score = 1
	}
	return score
}

// triggerScore rates declared triggers against the normalized intent:
// exact match 1.0, contained intent 0.9, contained phrase 0.7.
func triggerScore(t *Triggers, intentNorm string) float64 {
	if t == nil {
		return 0
	}
	best := 0.0
	for _, ti := range t.Intents {
		n := normalizeText(ti)
		if n == "" {
			continue
		}
		switch {
		case n == intentNorm:
			return 1.0
		case strings.Contains(intentNorm, n) && best < 0.9:
			best = 0.9
		}
	}
	for _, ph := range t.Phrases {
		n := normalizeText(ph)
		if n == "" {
			continue
		}
		switch {
		case n == intentNorm:
			return 1.0
		case strings.Contains(intentNorm, n) && best < 0.7:
			best = 0.7
		}
	}
	return best
}

func hasAllKeywords(m *Metadata, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(m.Keywords))
	for _, kw := range m.Keywords {
		have[strings.ToLower(kw)] = true
	}
	for _, r := range required {
		if !have[strings.ToLower(r)] {
			return false
		}
	}
	return true
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeText(s string) string {
	return strings.TrimSpace(nonWord.ReplaceAllString(strings.ToLower(s), " "))
}

func tokenize(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Watch re-indexes the root when skill files change, debounced. It is a
// no-op when already watching. Close stops the watcher.
func (ix *Index) Watch(ctx context.Context, debounce time.Duration) error {
	ix.watchMu.Lock()
	defer ix.watchMu.Unlock()
	if ix.watcher != nil {
		return nil
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watched := 0
	var addErr error
	for _, root := range ix.roots {
		if err := watcher.Add(root); err != nil {
			addErr = err
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = watcher.Close()
		return addErr
	}
	for _, m := range ix.List() {
		if err := watcher.Add(m.Path); err != nil {
			ix.logger.Debug("failed to watch skill dir", "path", m.Path, "error", err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	ix.watcher = watcher
	ix.watchCancel = cancel

	ix.watchWg.Add(1)
	go ix.watchLoop(watchCtx, watcher, debounce)
	return nil
}

// Close stops an active watcher.
func (ix *Index) Close() error {
	ix.watchMu.Lock()
	watcher := ix.watcher
	cancel := ix.watchCancel
	ix.watcher = nil
	ix.watchCancel = nil
	ix.watchMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	ix.watchWg.Wait()
	return nil
}

func (ix *Index) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer ix.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleRescan := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := ix.Scan(context.Background()); err != nil {
				ix.logger.Warn("re-index after watch event failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				scheduleRescan()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ix.logger.Warn("skill watch error", "error", err)
		}
	}
}
