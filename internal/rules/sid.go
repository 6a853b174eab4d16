package rules

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// MinSID is the lowest SID handed out; lower values belong to the engine's own rule sets.
const MinSID = 2000000

var sidRe = regexp.MustCompile(`\bsid\s*:\s*(\d+)\s*;`)

// SIDAllocator hands out strictly increasing SIDs and persists the
// high-water mark so numbering survives restarts.
type SIDAllocator struct {
	mu        sync.Mutex
	next      int
	statePath string
}

// NewSIDAllocator seeds the counter at the highest of floor, one past any
// SID found in *.rules files in ruleDir, and one past the persisted mark.
// An empty statePath disables persistence.
func NewSIDAllocator(floor int, statePath, ruleDir string) (*SIDAllocator, error) {
	if floor < MinSID {
		floor = MinSID
	}
	next := floor

	if ruleDir != "" {
		maxSID, err := MaxSIDInDir(ruleDir)
		if err != nil {
			return nil, err
		}
		if maxSID >= next {
			next = maxSID + 1
		}
	}

	if statePath != "" {
		hwm, err := readHighWater(statePath)
		if err != nil {
			return nil, err
		}
		if hwm >= next {
			next = hwm + 1
		}
	}
	return &SIDAllocator{next: next, statePath: statePath}, nil
}

// Next allocates a SID. The counter advances even when persisting the
// mark fails, so a SID is never handed out twice.
func (a *SIDAllocator) Next() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sid := a.next
	a.next++
	if a.statePath != "" {
		if err := writeHighWater(a.statePath, sid); err != nil {
			return sid, fmt.Errorf("persist sid high-water mark: %w", err)
		}
	}
	return sid, nil
}

// Peek returns the SID the next call to Next will return.
func (a *SIDAllocator) Peek() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// MaxSIDInDir returns the largest SID in any *.rules file in dir, or 0.
func MaxSIDInDir(dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rules"))
	if err != nil {
		return 0, err
	}
	maxSID := 0
	for _, f := range files {
		sids, err := SIDsInFile(f)
		if err != nil {
			return 0, err
		}
		for _, s := range sids {
			if s > maxSID {
				maxSID = s
			}
		}
	}
	return maxSID, nil
}

// SIDsInFile returns the SIDs of all non-comment rules in a file.
func SIDsInFile(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var sids []int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := sidRe.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				sids = append(sids, n)
			}
		}
	}
	return sids, sc.Err()
}

func readHighWater(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read sid state %s: %w", path, err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("corrupt sid state %s: %w", path, err)
	}
	return n, nil
}

func writeHighWater(path string, sid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(sid)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
