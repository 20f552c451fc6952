package wg

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pheezz/wireguard-bot/types"
)

// blockLines is the fixed number of configuration lines following a marker.
const blockLines = 4

// ConfigStore owns the shared WireGuard configuration file. Every mutation
// reads the whole file, filters lines, and replaces the file atomically via
// write-to-temp + rename; a failed write leaves the original untouched. A
// single mutex serializes all writers.
type ConfigStore struct {
	path string
	mu   sync.Mutex
}

func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

// RemovePeerBlocks deletes every block whose marker matches one of the label
// variants, marker line plus the four lines after it. An absent label is an
// already-satisfied no-op. Returns how many blocks were removed.
func (s *ConfigStore) RemovePeerBlocks(ctx context.Context, labelVariants []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines(ctx)
	if err != nil {
		return 0, err
	}

	kept := make([]string, 0, len(lines))
	removed := 0
	for i := 0; i < len(lines); i++ {
		marker := strings.TrimSpace(lines[i])
		if !matchesAny(marker, labelVariants) {
			kept = append(kept, lines[i])
			continue
		}
		if i+blockLines >= len(lines) {
			return 0, fmt.Errorf("%w: block %q truncated at end of file", types.ErrConfigFormat, marker)
		}
		log.Printf("Peer config: removing block %s", marker)
		i += blockLines
		removed++
	}

	if removed == 0 {
		log.Printf("Peer config: no blocks found for %v, nothing to remove", labelVariants)
		return 0, nil
	}

	if err := s.writeAtomic(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// DisconnectPeer relabels an active block's marker to its disconnected form,
// keeping the configuration lines. Reversible via ReconnectPeer. Reports
// whether the file actually changed.
func (s *ConfigStore) DisconnectPeer(ctx context.Context, label string) (bool, error) {
	disconnected := disconnectedPrefix + strings.TrimPrefix(label, "#")
	return s.relabel(ctx, label, disconnected)
}

// ReconnectPeer restores the active marker of a soft-disabled block.
func (s *ConfigStore) ReconnectPeer(ctx context.Context, label string) (bool, error) {
	disconnected := disconnectedPrefix + strings.TrimPrefix(label, "#")
	return s.relabel(ctx, disconnected, label)
}

func (s *ConfigStore) relabel(ctx context.Context, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines(ctx)
	if err != nil {
		return false, err
	}

	found := false
	for i, line := range lines {
		if strings.TrimSpace(line) == from {
			lines[i] = to
			found = true
			break
		}
	}
	if !found {
		log.Printf("Peer config: marker %s not present, nothing to relabel", from)
		return false, nil
	}

	log.Printf("Peer config: relabel %s -> %s", from, to)
	if err := s.writeAtomic(lines); err != nil {
		return false, err
	}
	return true, nil
}

// AddPeerBlock appends a marker plus exactly four configuration lines. Any
// existing block for the same marker (active or disconnected form) is dropped
// first, keeping one block per (user, class) pair.
func (s *ConfigStore) AddPeerBlock(ctx context.Context, label string, configLines []string) error {
	if len(configLines) != blockLines {
		return fmt.Errorf("%w: peer block must have %d lines, got %d", types.ErrConfigFormat, blockLines, len(configLines))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines(ctx)
	if err != nil {
		return err
	}

	variants := []string{label, disconnectedPrefix + strings.TrimPrefix(label, "#")}
	kept := make([]string, 0, len(lines)+blockLines+1)
	for i := 0; i < len(lines); i++ {
		if matchesAny(strings.TrimSpace(lines[i]), variants) && i+blockLines < len(lines) {
			i += blockLines
			continue
		}
		kept = append(kept, lines[i])
	}

	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}
	if len(kept) > 0 {
		kept = append(kept, "")
	}
	kept = append(kept, label)
	kept = append(kept, configLines...)
	kept = append(kept, "")

	log.Printf("Peer config: adding block %s", label)
	return s.writeAtomic(kept)
}

func (s *ConfigStore) readLines(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", types.ErrResourceUnavailable, s.path, err)
	}
	return strings.Split(string(data), "\n"), nil
}

func (s *ConfigStore) writeAtomic(lines []string) error {
	tmp := fmt.Sprintf("%s.tmp-%s", s.path, uuid.New().String())
	content := strings.Join(lines, "\n")
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %v", types.ErrResourceUnavailable, tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: replace %s: %v", types.ErrResourceUnavailable, s.path, err)
	}
	return nil
}

func matchesAny(line string, labels []string) bool {
	for _, label := range labels {
		if line == label {
			return true
		}
	}
	return false
}
