package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// maxLineSize bounds one audit line during verification. Event details are
// short; anything near this is corruption.
const maxLineSize = 1 << 20

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify streams a JSONL audit log and validates it line by line: every
// entry must parse as an Event with its required fields present, and its
// prev_hash must chain to the previous line (the genesis hash for line 1).
// The whole file is never held in memory.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	wantHash := GenesisHash
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if err := checkEntry(scanner.Bytes(), wantHash); err != nil {
			return VerifyResult{Error: err.Error(), ErrorLine: lineNum}
		}
		wantHash = HashLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err), ErrorLine: lineNum + 1}
	}

	return VerifyResult{Valid: true, Lines: lineNum}
}

// checkEntry validates one line against the expected chain hash.
func checkEntry(line []byte, wantHash string) error {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		return fmt.Errorf("parse error: %v", err)
	}
	if event.Timestamp == "" {
		return fmt.Errorf("entry has no timestamp")
	}
	if event.Type == "" {
		return fmt.Errorf("entry has no event type")
	}
	if event.PrevHash != wantHash {
		return fmt.Errorf("hash mismatch: expected %s, got %s", wantHash, event.PrevHash)
	}
	return nil
}
