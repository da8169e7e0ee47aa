// Package namepool assigns unique handles from a finite word-list file.
//
// Each take removes one random line from the file and rewrites it, so a name
// handed out once is never handed out again, across restarts included.
package namepool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
)

// ErrExhausted reports an empty pool. It is fatal to the accept loop and must
// be kept distinct from per-command errors.
var ErrExhausted = errors.New("namepool: no unused names remain")

// Pool draws names from a word-list file, one name per line.
type Pool struct {
	mu   sync.Mutex
	path string
}

// Open validates that the word-list file is readable and returns a pool
// backed by it.
func Open(path string) (*Pool, error) {
	if _, err := os.ReadFile(path); err != nil {
		return nil, fmt.Errorf("namepool: open %s: %w", path, err)
	}
	return &Pool{path: path}, nil
}

// Take removes and returns one random unused name, rewriting the word list
// without it. Returns ErrExhausted once no names remain.
func (p *Pool) Take() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	names, err := p.load()
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrExhausted
	}

	i := rand.IntN(len(names))
	chosen := names[i]
	names = append(names[:i], names[i+1:]...)

	if err := p.save(names); err != nil {
		return "", err
	}
	return chosen, nil
}

// Remaining returns how many unused names are left.
func (p *Pool) Remaining() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	names, err := p.load()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (p *Pool) load() ([]string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("namepool: read %s: %w", p.path, err)
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (p *Pool) save(names []string) error {
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n + "\n")
	}
	if err := os.WriteFile(p.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("namepool: write %s: %w", p.path, err)
	}
	return nil
}
