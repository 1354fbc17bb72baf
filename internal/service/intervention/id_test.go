package intervention

import (
	"sync"
	"testing"
)

func TestGenerator_Next(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Next("bot-123")
	if id1 != "bot-123-int-1" {
		t.Errorf("expected 'bot-123-int-1', got %s", id1)
	}

	id2 := gen.Next("bot-123")
	if id2 != "bot-123-int-2" {
		t.Errorf("expected 'bot-123-int-2', got %s", id2)
	}

	id3 := gen.Next("bot-456")
	if id3 != "bot-456-int-3" {
		t.Errorf("expected 'bot-456-int-3', got %s", id3)
	}
}

func TestGenerator_ThreadSafety(t *testing.T) {
	gen := NewGenerator()
	numGoroutines := 100
	resultsPerGoroutine := 10

	var wg sync.WaitGroup
	results := make(chan string, numGoroutines*resultsPerGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < resultsPerGoroutine; j++ {
				results <- gen.Next("bot-concurrent")
			}
		}()
	}

	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for id := range results {
		if seen[id] {
			t.Errorf("duplicate intervention ID generated: %s", id)
		}
		seen[id] = true
	}

	expectedCount := numGoroutines * resultsPerGoroutine
	if len(seen) != expectedCount {
		t.Errorf("expected %d unique intervention IDs, got %d", expectedCount, len(seen))
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "IDLE"},
		{StateOpen, "OPEN"},
		{State(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}
