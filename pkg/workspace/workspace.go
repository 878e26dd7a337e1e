// Package workspace manages the per-execution directory trees that get
// bind-mounted into the jail.
//
// Layout on disk:
//
//	<base>/<session_id>/
//	└── work/              ← mounted into the jail, holds the user files
//
// A workspace is created when the coordinator begins handling a request,
// populated with the caller's files, bound as the jailed child's working
// directory, and destroyed on every exit path. Nothing persists across
// executions.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ahaops/sandboxd/pkg/domain"
)

// Manager mints per-execution workspaces under a fixed base directory.
type Manager struct {
	baseDir string
	log     *logrus.Entry
}

// NewManager creates a workspace manager rooted at baseDir.
func NewManager(baseDir string, log *logrus.Entry) *Manager {
	return &Manager{
		baseDir: baseDir,
		log:     log.WithField("component", "workspace"),
	}
}

// New returns a fresh workspace keyed by a random session id.
func (m *Manager) New() domain.Workspace {
	sessionID := uuid.NewString()
	sandboxDir := filepath.Join(m.baseDir, sessionID)
	return &Workspace{
		sessionID:  sessionID,
		sandboxDir: sandboxDir,
		workDir:    filepath.Join(sandboxDir, "work"),
		log:        m.log.WithField("session_id", sessionID),
	}
}

// Workspace is one execution's directory tree.
type Workspace struct {
	sessionID  string
	sandboxDir string
	workDir    string
	log        *logrus.Entry
}

// SessionID returns the unique opaque identifier keying this workspace.
func (w *Workspace) SessionID() string { return w.sessionID }

// Dir returns the work directory path. Only meaningful after Setup.
func (w *Workspace) Dir() string { return w.workDir }

// Setup creates the directory structure and writes the user files, creating
// intermediate directories as needed. Duplicate paths take last-writer-wins
// because files are written in order. On any failure the partial state is
// torn down before the error is returned, so setup is atomic from the
// caller's perspective.
func (w *Workspace) Setup(files []domain.FileEntry) (string, error) {
	// Session ids are expected unique; an existing directory is wiped first.
	if _, err := os.Stat(w.sandboxDir); err == nil {
		w.log.Warn("Workspace directory already exists, wiping")
		if err := os.RemoveAll(w.sandboxDir); err != nil {
			return "", fmt.Errorf("%w: failed to wipe stale workspace: %v", domain.ErrFileSystem, err)
		}
	}

	if err := os.MkdirAll(w.workDir, 0755); err != nil {
		w.Cleanup()
		return "", fmt.Errorf("%w: failed to create work dir: %v", domain.ErrFileSystem, err)
	}

	for _, file := range files {
		if err := w.writeFile(file); err != nil {
			w.Cleanup()
			return "", err
		}
	}

	return w.workDir, nil
}

func (w *Workspace) writeFile(file domain.FileEntry) error {
	safePath, err := ValidatePath(file.Path, w.workDir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(safePath), 0755); err != nil {
		return fmt.Errorf("%w: failed to create parent dirs for %q: %v", domain.ErrFileSystem, file.Path, err)
	}

	if err := os.WriteFile(safePath, []byte(file.Content), 0644); err != nil {
		return fmt.Errorf("%w: failed to write %q: %v", domain.ErrFileSystem, file.Path, err)
	}

	return nil
}

// Cleanup removes the entire session subtree. It is idempotent and swallows
// errors, recording them in the log.
func (w *Workspace) Cleanup() {
	if err := os.RemoveAll(w.sandboxDir); err != nil {
		w.log.WithError(err).Error("Failed to clean up workspace")
	}
}
