package skills

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/skillhost/skillhost/internal/cache"
	"github.com/skillhost/skillhost/internal/observability"
)

// Loader composes the index, the metadata loader, and the content/resource
// loaders behind a single LoadSkill facade. Each stage consults its cache
// tier first; skills that declare cacheable=false bypass the content and
// resource tiers entirely.
type Loader struct {
	index  *Index
	tiers  *cache.Tiers
	logger *slog.Logger
}

// LoadSkillOptions selects what a LoadSkill call materializes.
type LoadSkillOptions struct {
	IncludeContent   bool
	IncludeResources bool
}

// Skill is a protocol-neutral handle over a loaded skill.
type Skill struct {
	Metadata  *Metadata  `json:"metadata"`
	Content   *Content   `json:"content,omitempty"`
	Resources *Resources `json:"resources,omitempty"`

	// CacheHit reports whether every requested stage was served from cache.
	CacheHit bool `json:"cacheHit"`
}

// ErrNotFound is returned (wrapped) when a skill name is unknown.
var ErrNotFound = fmt.Errorf("skill not found")

// NewLoader creates a loader over an index and its cache tiers.
func NewLoader(index *Index, tiers *cache.Tiers) *Loader {
	if tiers == nil {
		tiers = cache.NewTiers()
	}
	return &Loader{
		index:  index,
		tiers:  tiers,
		logger: slog.Default().With("component", "skills.loader"),
	}
}

// Index exposes the underlying index for search and stats.
func (l *Loader) Index() *Index { return l.index }

// Tiers exposes the cache tiers for the memory cleaner.
func (l *Loader) Tiers() *cache.Tiers { return l.tiers }

// LoadSkill resolves a skill by name and loads the requested stages.
func (l *Loader) LoadSkill(name string, opts LoadSkillOptions) (*Skill, error) {
	key := strings.ToLower(name)

	meta, metaHit := l.cachedMetadata(key)
	if meta == nil {
		var ok bool
		meta, ok = l.index.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		l.tiers.Metadata.Set(key, meta)
	}

	skill := &Skill{Metadata: meta, CacheHit: metaHit}

	if opts.IncludeContent {
		content, hit, err := l.loadContent(key, meta)
		if err != nil {
			return nil, err
		}
		skill.Content = content
		skill.CacheHit = skill.CacheHit && hit
	}
	if opts.IncludeResources {
		res, hit, err := l.loadResources(key, meta)
		if err != nil {
			return nil, err
		}
		skill.Resources = res
		skill.CacheHit = skill.CacheHit && hit
	}
	return skill, nil
}

func (l *Loader) cachedMetadata(key string) (*Metadata, bool) {
	if v, ok := l.tiers.Metadata.Get(key); ok {
		if m, ok := v.(*Metadata); ok {
			observability.CacheOperations.WithLabelValues("metadata", "hit").Inc()
			return m, true
		}
	}
	observability.CacheOperations.WithLabelValues("metadata", "miss").Inc()
	return nil, false
}

func (l *Loader) loadContent(key string, meta *Metadata) (*Content, bool, error) {
	if meta.Cacheable {
		if v, ok := l.tiers.Content.Get(key); ok {
			if c, ok := v.(*Content); ok {
				observability.CacheOperations.WithLabelValues("content", "hit").Inc()
				return c, true, nil
			}
		}
		observability.CacheOperations.WithLabelValues("content", "miss").Inc()
	}
	content, err := LoadContent(meta.Path)
	if err != nil {
		return nil, false, fmt.Errorf("load content for %s: %w", meta.Name, err)
	}
	if meta.Cacheable {
		l.tiers.Content.Set(key, content)
	}
	return content, false, nil
}

func (l *Loader) loadResources(key string, meta *Metadata) (*Resources, bool, error) {
	if meta.Cacheable {
		if v, ok := l.tiers.Resources.Get(key); ok {
			if r, ok := v.(*Resources); ok {
				observability.CacheOperations.WithLabelValues("resources", "hit").Inc()
				return r, true, nil
			}
		}
		observability.CacheOperations.WithLabelValues("resources", "miss").Inc()
	}
	res, err := LoadResources(meta.Path)
	if err != nil {
		return nil, false, fmt.Errorf("load resources for %s: %w", meta.Name, err)
	}
	if meta.Cacheable {
		l.tiers.Resources.Set(key, res)
	}
	return res, false, nil
}

// DetectProtocol reports how the skill's entry expects its input. The
// default is argv-JSON; skills may declare "stdin" in their descriptor.
func (l *Loader) DetectProtocol(name string) (string, error) {
	meta, ok := l.index.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if meta.Protocol != "" {
		return meta.Protocol, nil
	}
	return "argv", nil
}

// ToolDefinitions returns the declared tool surface of a skill, or a single
// synthesized default tool when none is declared.
func (l *Loader) ToolDefinitions(name string) ([]ToolSpec, error) {
	meta, ok := l.index.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return meta.ToolSurface(), nil
}

// Preload warms the metadata and content tiers for a skill without
// returning the handle. Used by the preload manager.
func (l *Loader) Preload(name string) error {
	_, err := l.LoadSkill(name, LoadSkillOptions{IncludeContent: true})
	return err
}

// IsCached reports whether both metadata and content for a skill are
// currently cached.
func (l *Loader) IsCached(name string) bool {
	key := strings.ToLower(name)
	if _, ok := l.tiers.Metadata.Get(key); !ok {
		return false
	}
	_, ok := l.tiers.Content.Get(key)
	return ok
}
