package advisor

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFingerprint_Stability(t *testing.T) {
	event := ErrorEvent{
		EventID:   "evt-123",
		Timestamp: time.Now(),
		Severity:  SeverityError,
		ErrorType: "timeout",
		Message:   "connection timed out",
		Context:   map[string]any{"host": "db-1"},
		StackTrace: `goroutine 1 [running]:
main.doSomething()
	/app/main.go:42 +0x123
main.helper()
	/app/main.go:30 +0x456
main.main()
	/app/main.go:10 +0x789`,
	}

	fp1 := Fingerprint(event)
	fp2 := Fingerprint(event)

	if fp1 != fp2 {
		t.Errorf("Same event produced different fingerprints: %q vs %q", fp1, fp2)
	}
	if !strings.HasPrefix(fp1, "fp:") {
		t.Errorf("Fingerprint %q missing regular prefix", fp1)
	}
	// prefix + 32 hex characters (16 bytes)
	if len(fp1) != 3+32 {
		t.Errorf("Fingerprint length = %d, want 35", len(fp1))
	}
}

func TestFingerprint_IgnoresEventIdentity(t *testing.T) {
	base := ErrorEvent{ErrorType: "timeout", Message: "read tcp: i/o timeout"}
	a, b := base, base
	a.EventID, a.Timestamp, a.Severity = "a", time.Unix(1, 0), SeverityWarning
	b.EventID, b.Timestamp, b.Severity = "b", time.Unix(2, 0), SeverityCrash

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("EventID, Timestamp and Severity should not affect the fingerprint")
	}
}

func TestFingerprint_NormalizesVariableParts(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"numbers", "retry 3 of 5 failed after 1.5 seconds", "retry 4 of 5 failed after 2.25 seconds"},
		{"numbers with units", "read timed out after 3000ms (512KiB)", "read timed out after 15ms (9KiB)"},
		{"uuids", "run 123e4567-e89b-12d3-a456-426614174000 not found", "run 9f0c2a4e-1b2c-4d5e-8f90-0123456789ab not found"},
		{"hex addresses", "nil deref at 0xc000123abc", "nil deref at 0xc000999def"},
		{"long hex ids", "object deadbeefdeadbeefcafe missing", "object 0123456789abcdef0123 missing"},
		{"quoted literals", `open "/tmp/a.txt": no such file`, `open "/var/b.log": no such file`},
		{"whitespace", "upstream   reset\n\tby peer", "upstream reset by peer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := Fingerprint(ErrorEvent{ErrorType: "error", Message: tt.a})
			fb := Fingerprint(ErrorEvent{ErrorType: "error", Message: tt.b})
			if fa != fb {
				t.Errorf("Messages %q and %q should share a fingerprint", tt.a, tt.b)
			}
		})
	}
}

func TestFingerprint_KindIsCaseAndSpaceInsensitive(t *testing.T) {
	a := Fingerprint(ErrorEvent{ErrorType: "  Timeout ", Message: "x"})
	b := Fingerprint(ErrorEvent{ErrorType: "timeout", Message: "x"})
	if a != b {
		t.Error("Kind normalization should trim and lower-case")
	}
}

func TestFingerprint_DifferentMessages_DifferentFingerprint(t *testing.T) {
	a := Fingerprint(ErrorEvent{ErrorType: "error", Message: "connection refused"})
	b := Fingerprint(ErrorEvent{ErrorType: "error", Message: "permission denied"})
	if a == b {
		t.Error("Different messages should have different fingerprints")
	}
}

func TestFingerprint_ContextKeysNotValues(t *testing.T) {
	a := Fingerprint(ErrorEvent{ErrorType: "error", Message: "m", Context: map[string]any{"user": "alice", "route": "/a"}})
	b := Fingerprint(ErrorEvent{ErrorType: "error", Message: "m", Context: map[string]any{"route": "/b", "user": "bob"}})
	c := Fingerprint(ErrorEvent{ErrorType: "error", Message: "m", Context: map[string]any{"tenant": "x"}})

	if a != b {
		t.Error("Context values should not affect the fingerprint")
	}
	if a == c {
		t.Error("Different context keys should change the fingerprint")
	}
}

func TestFingerprint_OnlyTopContextKeysCount(t *testing.T) {
	f := NewFingerprinter(FingerprintConfig{MaxContextKeys: 2})
	a := f.Fingerprint(ErrorEvent{ErrorType: "e", Context: map[string]any{"a": 1, "b": 2, "y": 3}})
	b := f.Fingerprint(ErrorEvent{ErrorType: "e", Context: map[string]any{"a": 1, "b": 2, "z": 3}})
	if a != b {
		t.Error("Keys beyond MaxContextKeys should not affect the fingerprint")
	}
}

func TestFingerprint_DifferentLineNumbers_SameFingerprint(t *testing.T) {
	event1 := ErrorEvent{
		ErrorType: "panic",
		StackTrace: `goroutine 1 [running]:
main.doSomething()
	/app/main.go:42 +0x123
main.main()
	/app/main.go:10 +0x456`,
	}

	event2 := ErrorEvent{
		ErrorType: "panic",
		StackTrace: `goroutine 7 [running]:
main.doSomething()
	/app/main.go:99 +0xabc
main.main()
	/app/main.go:55 +0xdef`,
	}

	if Fingerprint(event1) != Fingerprint(event2) {
		t.Error("Events differing only in line numbers should have same fingerprint")
	}
}

func TestFingerprint_DifferentMemoryAddresses_SameFingerprint(t *testing.T) {
	event1 := ErrorEvent{
		ErrorType: "panic",
		StackTrace: `goroutine 1 [running]:
main.handler(0x1234abcd)
	/app/main.go:42 +0x100`,
	}

	event2 := ErrorEvent{
		ErrorType: "panic",
		StackTrace: `goroutine 1 [running]:
main.handler(0xdeadbeef)
	/app/main.go:42 +0x200`,
	}

	if Fingerprint(event1) != Fingerprint(event2) {
		t.Error("Events differing only in memory addresses should have same fingerprint")
	}
}

func TestFingerprint_DifferentCallSite_DifferentFingerprint(t *testing.T) {
	a := Fingerprint(ErrorEvent{ErrorType: "panic", StackTrace: "main.alpha()\n\t/app/a.go:1 +0x1\n"})
	b := Fingerprint(ErrorEvent{ErrorType: "panic", StackTrace: "main.beta()\n\t/app/b.go:1 +0x1\n"})
	if a == b {
		t.Error("Different call sites should have different fingerprints")
	}
}

func TestFingerprint_TruncatesBeforeNormalizing(t *testing.T) {
	f := NewFingerprinter(FingerprintConfig{MaxMessageLength: 10})
	a := f.Fingerprint(ErrorEvent{ErrorType: "e", Message: "0123456789 tail one"})
	b := f.Fingerprint(ErrorEvent{ErrorType: "e", Message: "0123456789 tail two"})
	if a != b {
		t.Error("Text beyond MaxMessageLength should not affect the fingerprint")
	}
}

func TestFingerprint_TruncatesKind(t *testing.T) {
	f := NewFingerprinter(FingerprintConfig{MaxMessageLength: 10})
	a := f.Fingerprint(ErrorEvent{ErrorType: "TimeoutErr" + strings.Repeat("a", 100000), Message: "m"})
	b := f.Fingerprint(ErrorEvent{ErrorType: "timeouterr" + strings.Repeat("b", 100000), Message: "m"})
	if a != b {
		t.Error("Kind text beyond MaxMessageLength should not affect the fingerprint")
	}
}

func TestTopContextKeys_SmallestSorted(t *testing.T) {
	ctx := map[string]any{}
	for i := 0; i < 5000; i++ {
		ctx[fmt.Sprintf("key-%05d", 4999-i)] = i
	}
	got := topContextKeys(ctx, 3)
	want := []string{"key-00000", "key-00001", "key-00002"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("topContextKeys = %v, want %v", got, want)
	}

	if got := topContextKeys(map[string]any{"b": 1, "a": 2}, 5); strings.Join(got, ",") != "a,b" {
		t.Errorf("topContextKeys with fewer keys than n = %v", got)
	}
	if got := topContextKeys(ctx, 0); got != nil {
		t.Errorf("topContextKeys with n=0 = %v", got)
	}
}

func TestFingerprint_LargeContextMap(t *testing.T) {
	small := map[string]any{"a": 1, "b": 2, "c": 3}
	large := map[string]any{"a": 1, "b": 2, "c": 3}
	for i := 0; i < 200000; i++ {
		large[fmt.Sprintf("z%d", i)] = i
	}
	f := NewFingerprinter(FingerprintConfig{MaxContextKeys: 3})
	start := time.Now()
	a := f.Fingerprint(ErrorEvent{ErrorType: "e", Context: small})
	b := f.Fingerprint(ErrorEvent{ErrorType: "e", Context: large})
	if a != b {
		t.Error("Only the first MaxContextKeys sorted keys should count")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Fingerprint took %v on a large context map", elapsed)
	}
}

func TestFingerprint_Fallback(t *testing.T) {
	tests := []struct {
		name  string
		event ErrorEvent
	}{
		{"empty", ErrorEvent{}},
		{"whitespace only", ErrorEvent{ErrorType: "  ", Message: "\n\t"}},
		{"invalid utf8 message", ErrorEvent{ErrorType: "e", Message: "bad \xff\xfe bytes"}},
		{"invalid utf8 kind", ErrorEvent{ErrorType: "\xc3\x28"}},
		{"stack only", ErrorEvent{StackTrace: "main.main()\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := Fingerprint(tt.event)
			if !IsFallbackFingerprint(fp) {
				t.Errorf("Fingerprint = %q, want fallback", fp)
			}
			if len(fp) != 3+32 {
				t.Errorf("Fallback length = %d, want 35", len(fp))
			}
			if fp != Fingerprint(tt.event) {
				t.Error("Fallback fingerprint not deterministic")
			}
		})
	}
}

func TestFingerprint_FallbackSpreadsByRawText(t *testing.T) {
	a := Fingerprint(ErrorEvent{Message: "bad \xff one"})
	b := Fingerprint(ErrorEvent{Message: "bad \xff two"})
	if a == b {
		t.Error("Unknown errors with different raw text should not share one bucket")
	}
}

func TestFingerprint_PathologicalInput(t *testing.T) {
	huge := strings.Repeat("x1 'q' 0xff ", 200000)
	start := time.Now()
	fp := Fingerprint(ErrorEvent{ErrorType: "e", Message: huge, StackTrace: huge})
	if fp == "" {
		t.Fatal("Fingerprint returned empty value")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Fingerprint took %v on large input", elapsed)
	}
}

func TestFingerprint_Concurrent(t *testing.T) {
	event := ErrorEvent{ErrorType: "timeout", Message: "deadline exceeded after 30s"}
	want := Fingerprint(event)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := Fingerprint(event); got != want {
				t.Errorf("concurrent Fingerprint = %q, want %q", got, want)
			}
		}()
	}
	wg.Wait()
}

func TestNormalizeStackTrace(t *testing.T) {
	trace := `goroutine 1 [running]:
runtime/debug.Stack()
	/usr/local/go/src/runtime/debug/stack.go:24 +0x5e
github.com/strongdm/ai-cxdb-advisor/pkg/advisor.Recover({0x1, 0x2}, {0x3, 0x4})
	/src/pkg/advisor/recover.go:40 +0x65
panic({0x100, 0x200})
	/usr/local/go/src/runtime/panic.go:770 +0x132
main.(*Server).handle(0xc000010000, {0x1, 0x2})
	/app/server.go:88 +0x1d
main.main()
	/app/main.go:10 +0x789
main.init()
	/app/main.go:5 +0x1`

	got := normalizeStackTrace(trace, 2)
	want := []string{"main.(*Server).handle", "main.main"}

	if len(got) != len(want) {
		t.Fatalf("normalizeStackTrace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
