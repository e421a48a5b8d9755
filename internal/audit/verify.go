package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// VerifyResult summarizes a verified chain.
type VerifyResult struct {
	Files        int    `json:"files"`
	Entries      int    `json:"entries"`
	LastSequence uint64 `json:"last_sequence"`
	LastHash     string `json:"last_hash"`
}

// Verify checks the hash chain of a single log file. A file whose first
// entry has sequence 1 must chain from the genesis hash; later files are
// checked internally only.
func Verify(path string) (VerifyResult, error) {
	var res VerifyResult
	if err := verifyFile(path, &res, nil); err != nil {
		return res, err
	}
	res.Files = 1
	return res, nil
}

// VerifyDir checks the chain across rotated files and the active file in
// dir, oldest first.
func VerifyDir(ctx context.Context, dir, fileName string) (VerifyResult, error) {
	var res VerifyResult

	ext := filepath.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	files, err := filepath.Glob(filepath.Join(dir, base+"-*"+ext))
	if err != nil {
		return res, err
	}
	sort.Strings(files)
	active := filepath.Join(dir, fileName)
	if _, err := os.Stat(active); err == nil {
		files = append(files, active)
	}

	var last *Event
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := verifyFile(file, &res, last); err != nil {
			return res, err
		}
		res.Files++
		if res.Entries > 0 {
			last = &Event{Sequence: res.LastSequence, EntryHash: res.LastHash}
		}
	}
	return res, nil
}

func verifyFile(path string, res *VerifyResult, prev *Event) error {
	entries, err := readEntries(path)
	if err != nil {
		return err
	}

	for i := range entries {
		e := &entries[i]
		if e.computeHash() != e.EntryHash {
			return fmt.Errorf("%w at sequence %d in %s", ErrHashMismatch, e.Sequence, path)
		}

		switch {
		case prev != nil:
			if e.Sequence != prev.Sequence+1 {
				return fmt.Errorf("%w: expected %d, got %d in %s", ErrSequenceGap, prev.Sequence+1, e.Sequence, path)
			}
			if e.PreviousHash != prev.EntryHash {
				return fmt.Errorf("%w at sequence %d in %s", ErrChainBroken, e.Sequence, path)
			}
		case e.Sequence == 1:
			if e.PreviousHash != GenesisHash() {
				return fmt.Errorf("%w at sequence 1 in %s", ErrChainBroken, path)
			}
		}

		prev = e
		res.Entries++
		res.LastSequence = e.Sequence
		res.LastHash = e.EntryHash
	}
	return nil
}
