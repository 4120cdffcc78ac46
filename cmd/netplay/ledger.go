package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/driftworks/netplay/internal/match"
)

// fileLedger appends sealed completion records as JSON lines. It stands in
// for the external append-only ledger, which consumes the same export
// shape.
type fileLedger struct {
	mu   sync.Mutex
	path string
}

func newFileLedger(path string) *fileLedger {
	return &fileLedger{path: path}
}

func (l *fileLedger) Append(_ context.Context, rec match.CompletionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}
