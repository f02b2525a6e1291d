// Package session lays out the output folders of one instance run.
package session

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

var (
	runPattern  = regexp.MustCompile(`^run_(\d+)$`)
	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// Manager owns the run folder of one instance:
//
//	{dataDir}/{instance}/{YYYY-MM-DD}/run_N/
//
// A run keeps its number when it crosses midnight; the new date gets its own folder.
type Manager struct {
	mu sync.Mutex

	dataDir   string
	instance  string
	sessionID string
	runNumber int
	startedAt time.Time
	date      string
	runPath   string

	now    func() time.Time
	logger *logger.Logger
}

// NewManager creates a session manager. Call Initialize before use.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		mu:        sync.Mutex{},
		dataDir:   "",
		instance:  "",
		sessionID: "",
		runNumber: 0,
		startedAt: time.Time{},
		date:      "",
		runPath:   "",
		now:       time.Now,
		logger:    log,
	}
}

// Initialize picks the next run number for today and creates the run folder.
func (m *Manager) Initialize(dataDir, instance string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if instance == "" {
		return errors.New(errors.ErrCodeSessionFailed, "session needs an instance name")
	}

	m.dataDir = dataDir
	m.instance = instance
	m.sessionID = uuid.NewString()
	m.startedAt = m.now()
	m.date = m.startedAt.Format(dateLayout)

	runNumber, err := m.nextRunNumber(m.date)
	if err != nil {
		return err
	}

	m.runNumber = runNumber

	if err := m.createRunFolder(); err != nil {
		return err
	}

	m.logger.Info("Session initialized",
		zap.String("instance", instance),
		zap.String("run_id", m.runIDLocked()),
		zap.String("session_id", m.sessionID),
		zap.String("path", m.runPath),
	)

	return nil
}

// HandleDateBoundary moves the run into a folder for the date of timestamp when it
// differs from the current one. It reports whether a new folder was created.
func (m *Manager) HandleDateBoundary(timestamp time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	date := timestamp.Format(dateLayout)
	if date == m.date {
		return false, nil
	}

	previous := m.date
	m.date = date

	if err := m.createRunFolder(); err != nil {
		return false, err
	}

	m.logger.Info("Date boundary crossed",
		zap.String("instance", m.instance),
		zap.String("old_date", previous),
		zap.String("new_date", date),
		zap.String("path", m.runPath),
	)

	return true, nil
}

// RunPath returns the current run folder.
func (m *Manager) RunPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.runPath
}

// RunID returns the run folder name, e.g. "run_2".
func (m *Manager) RunID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.runIDLocked()
}

// RunNumber returns the numeric run number.
func (m *Manager) RunNumber() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.runNumber
}

// SessionID is a unique id of this run, stamped on journal rows.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sessionID
}

// StartedAt returns when Initialize ran.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.startedAt
}

// Date returns the date of the current run folder.
func (m *Manager) Date() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.date
}

// FilePath returns the path of filename inside the current run folder.
func (m *Manager) FilePath(filename string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return filepath.Join(m.runPath, filename)
}

// ListRuns returns the run folders of date, in run order.
func (m *Manager) ListRuns(date string) ([]string, error) {
	m.mu.Lock()
	datePath := filepath.Join(m.dataDir, m.instance, date)
	m.mu.Unlock()

	entries, err := readDirIfExists(datePath)
	if err != nil {
		return nil, err
	}

	runs := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() && runPattern.MatchString(entry.Name()) {
			runs = append(runs, entry.Name())
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runNumberOf(runs[i]) < runNumberOf(runs[j])
	})

	return runs, nil
}

// Dates returns every date the instance has runs for, oldest first.
func (m *Manager) Dates() ([]string, error) {
	m.mu.Lock()
	instancePath := filepath.Join(m.dataDir, m.instance)
	m.mu.Unlock()

	entries, err := readDirIfExists(instancePath)
	if err != nil {
		return nil, err
	}

	dates := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() && datePattern.MatchString(entry.Name()) {
			dates = append(dates, entry.Name())
		}
	}

	sort.Strings(dates)

	return dates, nil
}

func (m *Manager) nextRunNumber(date string) (int, error) {
	entries, err := readDirIfExists(filepath.Join(m.dataDir, m.instance, date))
	if err != nil {
		return 0, err
	}

	highest := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if n := runNumberOf(entry.Name()); n > highest {
			highest = n
		}
	}

	return highest + 1, nil
}

func (m *Manager) createRunFolder() error {
	m.runPath = filepath.Join(m.dataDir, m.instance, m.date, m.runIDLocked())

	if err := os.MkdirAll(m.runPath, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeSessionFailed, "failed to create run folder", err)
	}

	return nil
}

func (m *Manager) runIDLocked() string {
	return "run_" + strconv.Itoa(m.runNumber)
}

func readDirIfExists(path string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return []os.DirEntry{}, nil
	}

	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSessionFailed, "failed to read session directory", err)
	}

	return entries, nil
}

// runNumberOf returns N for a "run_N" name and 0 for anything else.
func runNumberOf(name string) int {
	matches := runPattern.FindStringSubmatch(name)
	if len(matches) != 2 {
		return 0
	}

	n, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return n
}
