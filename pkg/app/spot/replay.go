package spot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/hyperspot/pkg/storage"
)

// ReplayJournal re-executes every journaled command against e in sequence order
// and returns the last sequence number seen. Replies are discarded; rejected
// commands reject again the same way.
func ReplayJournal(ctx context.Context, path string, e *Engine) (uint64, error) {
	var last uint64
	err := storage.Replay(path, func(line []byte) error {
		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			return fmt.Errorf("decode command: %w", err)
		}
		if cmd.Seq <= last {
			return fmt.Errorf("sequence went backwards: %d after %d", cmd.Seq, last)
		}
		last = cmd.Seq
		e.Process(ctx, cmd)
		return nil
	})
	if err != nil {
		return last, err
	}
	e.log.Infow("journal_replayed", "path", path, "last_seq", last)
	return last, nil
}

// JournalLastSeq returns the highest sequence number in the journal at path,
// or 0 when there is none.
func JournalLastSeq(path string) (uint64, error) {
	var last uint64
	err := storage.Replay(path, func(line []byte) error {
		var head struct {
			Seq uint64 `json:"seq"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			return fmt.Errorf("decode command: %w", err)
		}
		last = max(last, head.Seq)
		return nil
	})
	return last, err
}
