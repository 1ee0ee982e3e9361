package node

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateIdentity returns this installation's stable device UUID,
// generating and persisting a random one on first run. Role selection
// compares this UUID against remote peers, so it must survive restarts or
// the roles flip unpredictably.
func LoadOrCreateIdentity(path string) (uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id, parseErr := uuid.Parse(strings.TrimSpace(string(data)))
		if parseErr != nil {
			return uuid.Nil, fmt.Errorf("node: corrupt identity file %s: %w", path, parseErr)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return uuid.Nil, fmt.Errorf("node: read identity: %w", err)
	}

	id := uuid.New()
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return uuid.Nil, fmt.Errorf("node: persist identity: %w", err)
	}
	return id, nil
}
