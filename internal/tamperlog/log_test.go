// ABOUTME: Tests for tamper log append, reopen, and chain verification
// ABOUTME: Covers corruption detection with 1-based line reporting

package tamperlog

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestLog(t *testing.T, path string) *Log {
	t.Helper()
	l, err := Open(path, testLogger(), WithClock(func() time.Time {
		return time.UnixMilli(1700000000000)
	}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestAppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := openTestLog(t, path)

	types := []string{"auth.login", "token.issue", "session.elevate"}
	for i, typ := range types {
		rec, err := l.Append(typ, map[string]any{"seq": i, "user": "alice"})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if rec.Hash == "" {
			t.Fatalf("record %d has empty hash", i)
		}
		if i == 0 && rec.PrevHash != nil {
			t.Fatalf("first record prevHash = %v, want nil", *rec.PrevHash)
		}
		if i > 0 && rec.PrevHash == nil {
			t.Fatalf("record %d prevHash is nil", i)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res := Verify(path)
	if !res.OK {
		t.Fatalf("Verify failed at line %d: %v", res.Line, res.Err)
	}
	if res.Count != len(types) {
		t.Fatalf("Count = %d, want %d", res.Count, len(types))
	}
	if res.LastHash == "" {
		t.Fatal("LastHash is empty")
	}
}

func TestFirstRecordHasNullPrevHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := openTestLog(t, path)
	if _, err := l.Append("auth.login", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec["prevHash"] != nil {
		t.Fatalf("prevHash = %v, want null", rec["prevHash"])
	}
	if rec["version"] != float64(1) {
		t.Fatalf("version = %v, want 1", rec["version"])
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l := openTestLog(t, path)
	if _, err := l.Append("auth.login", map[string]any{"user": "alice"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	l.Close()

	l = openTestLog(t, path)
	rec, err := l.Append("auth.logout", map[string]any{"user": "alice"})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if rec.PrevHash == nil {
		t.Fatal("second record prevHash is nil after reopen")
	}
	l.Close()

	res := Verify(path)
	if !res.OK {
		t.Fatalf("Verify failed at line %d: %v", res.Line, res.Err)
	}
	if res.Count != 2 {
		t.Fatalf("Count = %d, want 2", res.Count)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := openTestLog(t, path)
	for i := 0; i < 5; i++ {
		if _, err := l.Append("token.issue", map[string]any{"seq": i, "role": "operator"}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	l.Close()

	// Alter the third record's payload without touching its hash.
	corruptLine(t, path, 3, func(rec map[string]any) {
		rec["payload"].(map[string]any)["role"] = "node"
	})

	res := Verify(path)
	if res.OK {
		t.Fatal("Verify passed on tampered log")
	}
	if res.Line != 3 {
		t.Fatalf("Line = %d, want 3", res.Line)
	}
	if res.Count != 2 {
		t.Fatalf("Count = %d, want 2 clean records before break", res.Count)
	}
}

func TestVerifyDetectsDeletedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := openTestLog(t, path)
	for i := 0; i < 4; i++ {
		if _, err := l.Append("session.create", map[string]any{"seq": i}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	l.Close()

	lines := readLines(t, path)
	// Drop the second record; the third's prevHash now points past a gap.
	out := strings.Join(append(lines[:1], lines[2:]...), "\n") + "\n"
	if err := os.WriteFile(path, []byte(out), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	res := Verify(path)
	if res.OK {
		t.Fatal("Verify passed with a deleted record")
	}
	if res.Line != 2 {
		t.Fatalf("Line = %d, want 2", res.Line)
	}
}

func TestVerifyDetectsGarbageLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := openTestLog(t, path)
	if _, err := l.Append("auth.login", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	l.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	f.WriteString("not json at all\n")
	f.Close()

	res := Verify(path)
	if res.OK {
		t.Fatal("Verify passed with garbage line")
	}
	if res.Line != 2 {
		t.Fatalf("Line = %d, want 2", res.Line)
	}
}

func TestVerifyMissingFile(t *testing.T) {
	res := Verify(filepath.Join(t.TempDir(), "nope.log"))
	if !res.OK {
		t.Fatalf("Verify on missing file: %v", res.Err)
	}
	if res.Count != 0 {
		t.Fatalf("Count = %d, want 0", res.Count)
	}
}

func TestOpenRejectsCorruptTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	if err := os.WriteFile(path, []byte("{{{\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path, testLogger()); err == nil {
		t.Fatal("Open accepted a corrupt tail record")
	}
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	got, err := Canonicalize(map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"nested": true, "also": "x"},
	})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"alpha":{"also":"x","nested":true},"zebra":1}`
	if string(got) != want {
		t.Fatalf("canonical = %s, want %s", got, want)
	}
}

func TestBestEffortPolicySwallowsFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path, testLogger(), WithPolicy(PolicyBestEffort))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Close the underlying file so the next append fails.
	l.file.Close()
	if err := l.Write("auth.login", nil); err != nil {
		t.Fatalf("Write under besteffort: %v", err)
	}
}

func TestBlockPolicyReturnsFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.file.Close()
	if err := l.Write("auth.login", nil); err == nil {
		t.Fatal("Write under block policy swallowed the failure")
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			lines = append(lines, scanner.Text())
		}
	}
	return lines
}

// corruptLine rewrites record n (1-based), mutating it but keeping its hash.
func corruptLine(t *testing.T, path string, n int, mutate func(map[string]any)) {
	t.Helper()
	lines := readLines(t, path)
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[n-1]), &rec); err != nil {
		t.Fatalf("Unmarshal line %d: %v", n, err)
	}
	mutate(rec)
	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	lines[n-1] = string(out)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}
