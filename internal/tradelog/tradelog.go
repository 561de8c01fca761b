package tradelog

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fx-trading-bot/internal/types"
)

var (
	mu  sync.Mutex
	dir = "logs"
)

const ext = ".jsonl"

// SetDir sets the directory used when TRADER_LOG_DIR is unset.
func SetDir(d string) {
	mu.Lock()
	defer mu.Unlock()
	if d != "" {
		dir = d
	}
}

func logDir() string {
	if v := os.Getenv("TRADER_LOG_DIR"); v != "" {
		return v
	}
	return dir
}

func dailyFilepath(t time.Time) string {
	return filepath.Join(logDir(), t.UTC().Format("2006-01-02")+ext)
}

// Append writes one record to the file of its UTC day.
func Append(rec types.TradeRecord) error {
	mu.Lock()
	defer mu.Unlock()
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	p := dailyFilepath(rec.Time)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, string(b))
	return err
}

// ReadDay returns the records of one UTC day, reading the compressed file
// when the plain one has already been rotated.
func ReadDay(day time.Time) ([]types.TradeRecord, error) {
	mu.Lock()
	defer mu.Unlock()

	p := dailyFilepath(day)
	var r io.Reader
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		f, err = os.Open(p + ".gz")
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		defer f.Close()
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open %s.gz: %w", p, err)
		}
		defer gr.Close()
		r = gr
	} else if err != nil {
		return nil, err
	} else {
		defer f.Close()
		r = f
	}

	var out []types.TradeRecord
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec types.TradeRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// CompressOlder gzips daily files last modified more than retentionDays ago.
func CompressOlder(retentionDays int, now time.Time) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	mu.Lock()
	defer mu.Unlock()

	cutoff := now.AddDate(0, 0, -retentionDays)
	compressed := 0
	err := filepath.WalkDir(logDir(), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ext {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		gz := p + ".gz"
		// an earlier run may have written the archive but not removed the source
		if _, err := os.Stat(gz); err == nil {
			return os.Remove(p)
		}
		if err := gzipFile(p, gz); err != nil {
			return err
		}
		compressed++
		return os.Remove(p)
	})
	return compressed, err
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		_ = gw.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := gw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
