// ABOUTME: Full-chain verification for the tamper log
// ABOUTME: Recomputes every hash and checks prevHash linkage line by line

package tamperlog

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult reports the outcome of a chain walk. Line is 1-based and
// set only when OK is false.
type VerifyResult struct {
	OK       bool
	Count    int
	LastHash string
	Line     int
	Err      error
}

// Verify walks the file from the first line, recomputing each record's hash
// from its canonical body and checking that prevHash matches the previous
// record's hash. It stops at the first divergence. A missing or empty file
// verifies clean with Count zero.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return VerifyResult{OK: true}
		}
		return VerifyResult{Err: fmt.Errorf("tamperlog: opening %s: %w", path, err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		count    int
		lastHash string
		line     int
	)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return VerifyResult{Count: count, Line: line,
				Err: fmt.Errorf("line %d: invalid JSON: %w", line, err)}
		}

		claimed, ok := rec["hash"].(string)
		if !ok || claimed == "" {
			return VerifyResult{Count: count, Line: line,
				Err: fmt.Errorf("line %d: missing hash field", line)}
		}
		delete(rec, "hash")

		switch prev := rec["prevHash"].(type) {
		case nil:
			if count > 0 {
				return VerifyResult{Count: count, Line: line,
					Err: fmt.Errorf("line %d: null prevHash after first record", line)}
			}
		case string:
			if prev != lastHash {
				return VerifyResult{Count: count, Line: line,
					Err: fmt.Errorf("line %d: chain break: prevHash %s, want %s", line, prev, lastHash)}
			}
		default:
			return VerifyResult{Count: count, Line: line,
				Err: fmt.Errorf("line %d: prevHash is not a string or null", line)}
		}

		canonical, err := Canonicalize(rec)
		if err != nil {
			return VerifyResult{Count: count, Line: line,
				Err: fmt.Errorf("line %d: %w", line, err)}
		}
		sum := sha256.Sum256(canonical)
		if computed := hex.EncodeToString(sum[:]); computed != claimed {
			return VerifyResult{Count: count, Line: line,
				Err: fmt.Errorf("line %d: hash mismatch: record was altered", line)}
		}

		count++
		lastHash = claimed
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Count: count, Err: fmt.Errorf("tamperlog: scanning %s: %w", path, err)}
	}
	return VerifyResult{OK: true, Count: count, LastHash: lastHash}
}
