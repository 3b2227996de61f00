package fog

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// NodeID identifies a process in the overlay. It is generated once per
// installation and persisted by LoadOrCreateIdentity.
type NodeID uuid.UUID

// NewNodeID returns a random NodeID.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func ParseNodeID(s string) (NodeID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %w", ErrInvalidNodeID, err)
	}
	return NodeID(id), nil
}

func nodeIDFromBytes(b []byte) (NodeID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %w", ErrInvalidNodeID, err)
	}
	return NodeID(id), nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Compare orders identifiers bytewise. Every tie-breaker of the overlay
// relies on this order so both ends of a link reach the same decision.
func (id NodeID) Compare(other NodeID) int {
	return bytes.Compare(id[:], other[:])
}

func (id NodeID) LogValue() slog.Value {
	return slog.StringValue(id.String())
}

// DefaultIdentityPath returns where the identity of an instance listening
// on port is stored when no path is configured.
func DefaultIdentityPath(port int) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIdentityStore, err)
	}
	return filepath.Join(dir, "fog", "id-"+strconv.Itoa(port)), nil
}

// LoadOrCreateIdentity reads the NodeID stored at path, or generates and
// stores a new one when the file is missing or does not hold a valid
// identifier. Concurrent callers sharing a path are serialised by an
// advisory lock on `path.lock`.
func LoadOrCreateIdentity(path string) (NodeID, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return NodeID{}, fmt.Errorf("%w: %w", ErrIdentityStore, err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return NodeID{}, fmt.Errorf("%w: %w", ErrIdentityStore, err)
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id, perr := ParseNodeID(string(raw)); perr == nil && !id.IsZero() {
			return id, nil
		}
	case !os.IsNotExist(err):
		return NodeID{}, fmt.Errorf("%w: %w", ErrIdentityStore, err)
	}

	id := NewNodeID()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o600); err != nil {
		return NodeID{}, fmt.Errorf("%w: %w", ErrIdentityStore, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return NodeID{}, fmt.Errorf("%w: %w", ErrIdentityStore, err)
	}
	return id, nil
}
