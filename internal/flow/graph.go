// ABOUTME: Immutable per-locale flow graph and the locale set a session is pinned to.
// ABOUTME: Localized graphs are loaded on demand and cached in the set.

package flow

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownNode indicates a node id that is not part of the graph.
	ErrUnknownNode = errors.New("unknown node")
	// ErrNoLocaleLink indicates the graph has no locale_<value> parameter for a response.
	ErrNoLocaleLink = errors.New("no locale link")
)

// Hooks are scripts run by the dispatcher around every turn.
type Hooks struct {
	OnUserMessage string
	OnAIMessage   string
}

// Graph is one locale's flow. It is never mutated after Load returns.
type Graph struct {
	Locale        string
	Entry         int
	BotName       string
	Guidelines    string
	ScriptPrelude string
	Markdown      bool
	Hooks         Hooks
	Params        map[string]string

	// Path is the file the graph was loaded from; locale links resolve relative to it.
	Path string

	nodes map[int]*Node
}

// Node looks up a node by id.
func (g *Graph) Node(id int) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Lookup is Node with an error wrapping ErrUnknownNode for a missing id.
func (g *Graph) Lookup(id int) (*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return n, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Param returns a model parameter or the empty string.
func (g *Graph) Param(key string) string {
	return g.Params[key]
}

// APIKey returns the <prefix>_api_key parameter.
func (g *Graph) APIKey(prefix string) string {
	return g.Params[prefix+"_api_key"]
}

// Text returns the msg_<key> override or fallback.
func (g *Graph) Text(key, fallback string) string {
	if v, ok := g.Params["msg_"+key]; ok && v != "" {
		return v
	}
	return fallback
}

// LocaleFile resolves the locale_<response> link to a file path.
func (g *Graph) LocaleFile(response string) (string, error) {
	key := "locale_" + strings.ToLower(strings.TrimSpace(response))
	p, ok := g.Params[key]
	if !ok || p == "" {
		return "", fmt.Errorf("%w: %s", ErrNoLocaleLink, key)
	}
	if !filepath.IsAbs(p) && g.Path != "" {
		p = filepath.Join(filepath.Dir(g.Path), p)
	}
	return p, nil
}

// Dangling lists human-readable references to nodes that do not exist.
// Such references are tolerated at load; following one ends the session.
func (g *Graph) Dangling() []string {
	var out []string
	ids := make([]int, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	check := func(id int, which string, a Action) {
		if !a.Kind.Moves() || a.MoveTo == 0 {
			return
		}
		if _, ok := g.nodes[a.MoveTo]; !ok {
			out = append(out, fmt.Sprintf("node %d %s -> %d", id, which, a.MoveTo))
		}
	}
	for _, id := range ids {
		n := g.nodes[id]
		check(id, "success", n.OnSuccess)
		check(id, "error", n.OnError)
		if ml, ok := n.Validation.(MatchingList); ok {
			for text, target := range ml.Entries {
				if _, exists := g.nodes[target]; target > 0 && !exists {
					out = append(out, fmt.Sprintf("node %d list %q -> %d", id, text, target))
				}
			}
		}
	}
	return out
}

// Set is the main graph plus the localized graphs reachable from it.
// A session pins the Set it started with, so a reload never changes the
// graph under a live conversation.
type Set struct {
	main *Graph

	mu      sync.RWMutex
	locales map[string]*Graph
	byPath  map[string]*Graph
	load    func(path string) (*Graph, error)
}

// NewSet creates a set rooted at main. Localized graphs are read with Load.
func NewSet(main *Graph) *Set {
	return &Set{
		main:    main,
		locales: map[string]*Graph{main.Locale: main},
		byPath:  map[string]*Graph{},
		load:    Load,
	}
}

// Main returns the main locale's graph.
func (s *Set) Main() *Graph {
	return s.main
}

// Graph returns the graph for locale, if it has been loaded.
func (s *Set) Graph(locale string) (*Graph, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.locales[locale]
	return g, ok
}

// Locales returns the loaded locale names, sorted.
func (s *Set) Locales() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.locales))
	for l := range s.locales {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// LoadLocale loads the graph at path and adds it to the set. A graph for the
// same locale that is already present is returned instead of re-reading.
func (s *Set) LoadLocale(path string) (*Graph, error) {
	s.mu.RLock()
	cached, ok := s.byPath[path]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	g, err := s.load(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locales[g.Locale]; ok {
		s.byPath[path] = existing
		return existing, nil
	}
	s.locales[g.Locale] = g
	s.byPath[path] = g
	return g, nil
}
