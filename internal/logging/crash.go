package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// MaxCrashLogs is the number of crash logs kept on disk.
	MaxCrashLogs = 20
	// CrashLogMaxAge is the age after which a crash log is removed.
	CrashLogMaxAge = 30 * 24 * time.Hour

	crashPrefix = "crash_"
	crashSuffix = ".log"
	crashStamp  = "2006-01-02_15-04-05"
)

var (
	crashDirMu       sync.RWMutex
	crashDirOverride string
)

// SetCrashLogDir overrides the platform crash log directory. An empty
// string restores the default.
func SetCrashLogDir(dir string) {
	crashDirMu.Lock()
	crashDirOverride = dir
	crashDirMu.Unlock()
}

// CrashLogDir returns the directory crash logs are written to.
func CrashLogDir() string {
	crashDirMu.RLock()
	override := crashDirOverride
	crashDirMu.RUnlock()
	if override != "" {
		return override
	}

	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "friedn-agent")
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "friedn-agent", "logs")
		}
		return filepath.Join(home, "friedn-agent", "logs")
	default:
		return filepath.Join(home, ".local", "share", "friedn-agent", "logs")
	}
}

// crashReport is the content of one crash log.
type crashReport struct {
	Time    time.Time
	Where   string
	Panic   interface{}
	Stack   []byte
	Attempt Attempt
}

func (r crashReport) render() string {
	var b strings.Builder
	b.WriteString("friedn-agent crash report\n=========================\n")
	fmt.Fprintf(&b, "Time: %s\n", r.Time.Format(time.RFC3339))
	if r.Where != "" {
		fmt.Fprintf(&b, "Context: %s\n", r.Where)
	}
	fmt.Fprintf(&b, "Go Version: %s\nOS/Arch: %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	if !r.Attempt.IsZero() {
		fmt.Fprintf(&b, "\nProvisioning attempt:\n  Session: %d\n", r.Attempt.Session)
		if r.Attempt.TagUID != "" || r.Attempt.TagType != "" {
			fmt.Fprintf(&b, "  Tag: %s (%s)\n", r.Attempt.TagUID, r.Attempt.TagType)
		}
	}

	fmt.Fprintf(&b, "\nPanic Value:\n%v\n\nStack Trace:\n%s\n", r.Panic, r.Stack)
	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(&b, "\nBuild Info:\n%s", info)
	}
	return b.String()
}

// WriteCrashLog writes a crash report for panicValue and returns its path.
// Old reports are pruned afterwards.
func WriteCrashLog(panicValue interface{}, stack []byte) (string, error) {
	return writeCrashReport(crashReport{
		Time:    time.Now(),
		Panic:   panicValue,
		Stack:   stack,
		Attempt: CurrentAttempt(),
	})
}

func writeCrashReport(r crashReport) (string, error) {
	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash log directory: %w", err)
	}

	content := []byte(r.render())
	base := crashPrefix + r.Time.Format(crashStamp)
	for n := 1; ; n++ {
		name := base + crashSuffix
		if n > 1 {
			name = fmt.Sprintf("%s_%d%s", base, n, crashSuffix)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to write crash log: %w", err)
		}
		_, werr := f.Write(content)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return "", fmt.Errorf("failed to write crash log: %w", werr)
		}

		pruneCrashLogs(dir, time.Now())
		return path, nil
	}
}

// RecoverAndLog recovers a panic, records it, and re-panics when rePanic is
// set. Use it as: defer logging.RecoverAndLog("reader poll", false)
func RecoverAndLog(where string, rePanic bool) {
	if r := recover(); r != nil {
		handlePanic(r, where, nil)
		if rePanic {
			panic(r)
		}
	}
}

// RecoverAndLogFunc is RecoverAndLog with a hook that runs after the panic is
// recorded. The tag write uses it to turn a panic into a failed result.
func RecoverAndLogFunc(where string, rePanic bool, onPanic func(panicValue interface{}, crashFile string)) {
	if r := recover(); r != nil {
		handlePanic(r, where, onPanic)
		if rePanic {
			panic(r)
		}
	}
}

func handlePanic(r interface{}, where string, onPanic func(panicValue interface{}, crashFile string)) {
	stack := debug.Stack()
	report := crashReport{
		Time:    time.Now(),
		Where:   where,
		Panic:   r,
		Stack:   stack,
		Attempt: CurrentAttempt(),
	}

	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", where, r), map[string]any{
		"panic":   fmt.Sprint(r),
		"stack":   string(stack),
		"attempt": report.Attempt.fields(),
	})
	CapturePanic(r, stack, where)

	crashFile, err := writeCrashReport(report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}
	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", where, r, stack)

	if onPanic != nil {
		onPanic(r, crashFile)
	}
}

// CrashLogInfo describes a crash log file.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// GetCrashLogs returns up to limit crash logs, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	dir := CrashLogDir()
	entries, err := crashLogEntries(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}

	logs := []CrashLogInfo{}
	for i := len(entries) - 1; i >= 0 && len(logs) < limit; i-- {
		info, err := entries[i].Info()
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    info.Name(),
			Path:    filepath.Join(dir, info.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// ReadCrashLog returns the content of the crash log called filename.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename || !isCrashLog(filename) {
		return "", fmt.Errorf("invalid crash log name %q", filename)
	}
	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func isCrashLog(name string) bool {
	return strings.HasPrefix(name, crashPrefix) && strings.HasSuffix(name, crashSuffix)
}

// crashLogEntries lists the crash logs in dir, oldest first. The timestamp
// in the name orders them.
func crashLogEntries(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	logs := entries[:0]
	for _, e := range entries {
		if !e.IsDir() && isCrashLog(e.Name()) {
			logs = append(logs, e)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Name() < logs[j].Name() })
	return logs, nil
}

// pruneCrashLogs keeps the newest MaxCrashLogs logs and removes any older
// than CrashLogMaxAge.
func pruneCrashLogs(dir string, now time.Time) {
	logs, err := crashLogEntries(dir)
	if err != nil {
		return
	}
	for i, e := range logs {
		remove := len(logs)-i > MaxCrashLogs
		if info, err := e.Info(); err == nil && now.Sub(info.ModTime()) > CrashLogMaxAge {
			remove = true
		}
		if remove {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
