package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Recorder appends events to audit chains. Appends to the same chain are
// serialized (sequence and previous-hash computation read the latest row and
// write the next one); different chains proceed concurrently.
type Recorder struct {
	repo Repository

	mu     sync.Mutex
	chains map[string]*sync.Mutex
}

// NewRecorder creates a Recorder over the given repository.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{
		repo:   repo,
		chains: make(map[string]*sync.Mutex),
	}
}

func (r *Recorder) chainLock(chainID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.chains[chainID]
	if !ok {
		lock = &sync.Mutex{}
		r.chains[chainID] = lock
	}
	return lock
}

// Append records one event on the chain and returns the stored event with
// its sequence and hash filled in.
func (r *Recorder) Append(ctx context.Context, chainID, action, description string, metadata map[string]string) (*Event, error) {
	lock := r.chainLock(chainID)
	lock.Lock()
	defer lock.Unlock()

	latest, err := r.repo.Latest(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("audit: read latest event: %w", err)
	}

	event := &Event{
		ChainID:     chainID,
		Sequence:    1,
		Action:      action,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	if latest != nil {
		event.Sequence = latest.Sequence + 1
		event.PreviousHash = latest.Hash
	}

	hash, err := ComputeHash(event)
	if err != nil {
		return nil, err
	}
	event.Hash = hash

	if err := r.repo.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("audit: append event: %w", err)
	}
	return event, nil
}

// Verify recomputes every hash of a chain and checks the previous-hash links
// and the sequence numbering. It returns the number of verified events.
func (r *Recorder) Verify(ctx context.Context, chainID string) (int, error) {
	events, err := r.repo.ListByChain(ctx, chainID)
	if err != nil {
		return 0, fmt.Errorf("audit: list chain: %w", err)
	}

	prevHash := ""
	for i := range events {
		e := events[i]
		if e.Sequence != int64(i+1) {
			return i, fmt.Errorf("audit: chain %s: expected sequence %d, got %d", chainID, i+1, e.Sequence)
		}
		if e.PreviousHash != prevHash {
			return i, fmt.Errorf("audit: chain %s: event %d previous hash mismatch", chainID, e.Sequence)
		}
		recomputed, err := ComputeHash(&e)
		if err != nil {
			return i, err
		}
		if recomputed != e.Hash {
			return i, fmt.Errorf("audit: chain %s: event %d hash mismatch", chainID, e.Sequence)
		}
		prevHash = e.Hash
	}
	return len(events), nil
}

// ComputeHash produces the SHA-256 digest of the deterministic serialization
// of the event's hashed fields (everything except ID and Hash itself).
func ComputeHash(event *Event) (string, error) {
	payload := map[string]interface{}{
		"chain_id":      event.ChainID,
		"sequence":      event.Sequence,
		"action":        event.Action,
		"description":   event.Description,
		"metadata":      event.Metadata,
		"previous_hash": event.PreviousHash,
		"created_at":    event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	canonical, err := stableJSON(payload)
	if err != nil {
		return "", fmt.Errorf("audit: serialize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// stableJSON encodes v with deterministic key ordering so the digest does
// not depend on map iteration order.
func stableJSON(v interface{}) ([]byte, error) {
	stable, err := normalize(v)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stable); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, 0, len(keys)*2)
		for _, k := range keys {
			nv, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, k, nv)
		}
		return out, nil
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k, val[k])
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	case string, int64, float64, bool, nil:
		return val, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("normalize: %w", err)
		}
		var decoded interface{}
		if err := json.Unmarshal(b, &decoded); err != nil {
			return nil, fmt.Errorf("normalize: %w", err)
		}
		return normalize(decoded)
	}
}
