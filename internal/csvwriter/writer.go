// Package csvwriter exports audit records as CSV.
package csvwriter

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/your-org/strategy-ecosystem/internal/store"
)

// CycleHeader is the column layout written by WriteCycles.
var CycleHeader = []string{
	"id", "time", "generation", "survivors", "retired", "spawned", "pending", "exempt", "best_fitness", "worst_fitness",
}

// Writer is a simple CSV writer.
type Writer struct {
	closer io.Closer
	writer *csv.Writer
	mu     sync.Mutex
}

// NewWriter creates a CSV file at filePath. An empty path or "-" writes to
// stdout.
func NewWriter(filePath string) (*Writer, error) {
	if filePath == "" || filePath == "-" {
		return New(os.Stdout), nil
	}
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV file: %w", err)
	}
	w := New(file)
	w.closer = file
	return w, nil
}

// New writes CSV to out. Close does not close out.
func New(out io.Writer) *Writer {
	return &Writer{writer: csv.NewWriter(out)}
}

// Write writes a record to the CSV file.
func (w *Writer) Write(record []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record to CSV: %w", err)
	}
	return nil
}

// WriteCycles writes the header followed by one row per cycle and returns
// the number of rows written.
func (w *Writer) WriteCycles(cycles []store.EvolutionCycle) (int, error) {
	if err := w.Write(CycleHeader); err != nil {
		return 0, err
	}
	for i, c := range cycles {
		if err := w.Write(cycleRecord(c)); err != nil {
			return i, err
		}
	}
	return len(cycles), nil
}

func cycleRecord(c store.EvolutionCycle) []string {
	best, worst := "", ""
	if len(c.Fitness) > 0 {
		hi, lo := math.Inf(-1), math.Inf(1)
		for _, f := range c.Fitness {
			hi = math.Max(hi, f)
			lo = math.Min(lo, f)
		}
		best = strconv.FormatFloat(hi, 'f', 6, 64)
		worst = strconv.FormatFloat(lo, 'f', 6, 64)
	}
	return []string{
		c.ID,
		c.Time.UTC().Format(time.RFC3339),
		strconv.Itoa(c.Generation),
		strings.Join(c.Survivors, ";"),
		strings.Join(c.Retired, ";"),
		strings.Join(c.Spawned, ";"),
		strings.Join(c.Pending, ";"),
		strings.Join(c.Exempt, ";"),
		best,
		worst,
	}
}

// Flush flushes any buffered data to the underlying file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}
