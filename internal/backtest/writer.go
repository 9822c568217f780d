package backtest

import (
	"fmt"
	"os"
	"path/filepath"

	gojson "github.com/goccy/go-json"
)

// WriteResult persists a backtest result as a JSON artifact. The write is
// atomic (tmp file in the same directory, then rename) so a crash mid-write
// can never leave a truncated artifact behind.
func WriteResult(path string, result Result) error {
	data, err := gojson.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}
