package agentsvc

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// RunDirectory is the per-session filesystem directory: owner=current
// user, mode 0700, holding the agent's listening socket, the session id
// file, the root-CA bundle copy, and the agent's certificate/key pair.
// Created at session start, removed at session end.
//
// A RunDirectory is guarded by an advisory flock so two agent processes
// never share one run directory's socket and sid file concurrently.
type RunDirectory struct {
	Path string
	lock *flock.Flock
}

// CreateRunDirectory makes path (mode 0700, creating parents as needed) and
// acquires an exclusive advisory lock on a sibling ".lock" file inside it.
// Fails if the directory already exists and is locked by another process.
func CreateRunDirectory(path string) (*RunDirectory, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("agentsvc: create run directory %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		return nil, fmt.Errorf("agentsvc: chmod run directory %s: %w", path, err)
	}

	lock := flock.New(filepath.Join(path, ".lock"))
	got, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("agentsvc: lock run directory %s: %w", path, err)
	}
	if !got {
		return nil, fmt.Errorf("agentsvc: run directory %s is already in use by another agent", path)
	}

	return &RunDirectory{Path: path, lock: lock}, nil
}

// OpenRunDirectory prepares a run directory WITHOUT taking the advisory
// lock. The isolate client uses this when it creates the directory and its
// credential files before spawning the agent: the agent process, not the
// client, is the long-lived owner that holds the lock.
func OpenRunDirectory(path string) (*RunDirectory, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("agentsvc: create run directory %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		return nil, fmt.Errorf("agentsvc: chmod run directory %s: %w", path, err)
	}
	return &RunDirectory{Path: path}, nil
}

// SIDPath is the path to the session id file.
func (r *RunDirectory) SIDPath() string { return filepath.Join(r.Path, "sid") }

// SocketPath is the unix-domain socket the agent listens on.
func (r *RunDirectory) SocketPath() string { return filepath.Join(r.Path, "agent.sock") }

// CABundlePath is the session CA bundle file.
func (r *RunDirectory) CABundlePath() string { return filepath.Join(r.Path, "ca.pem") }

// CAKeyPath is the session CA's private key file.
func (r *RunDirectory) CAKeyPath() string { return filepath.Join(r.Path, "ca.key") }

// AgentCertPath is the agent's own mTLS certificate.
func (r *RunDirectory) AgentCertPath() string { return filepath.Join(r.Path, "agent.pem") }

// AgentKeyPath is the agent's own mTLS private key.
func (r *RunDirectory) AgentKeyPath() string { return filepath.Join(r.Path, "agent.key") }

// RootCABundlePath is the copy of the externally supplied root CA bundle.
func (r *RunDirectory) RootCABundlePath() string { return filepath.Join(r.Path, "root-ca-bundle.pem") }

// WriteSID writes the session's common name to the sid file, one line
// UTF-8, via the atomic temp-file-then-rename idiom.
func (r *RunDirectory) WriteSID(sid string) error {
	return writeFileAtomic(r.SIDPath(), []byte(sid+"\n"), 0o600)
}

// WriteFile writes name (relative to the run directory) atomically with
// mode perm — used for the CA bundle, certificate, and key files.
func (r *RunDirectory) WriteFile(name string, data []byte, perm os.FileMode) error {
	return writeFileAtomic(filepath.Join(r.Path, name), data, perm)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("agentsvc: create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("agentsvc: write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("agentsvc: chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("agentsvc: close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("agentsvc: rename into %s: %w", path, err)
	}
	ok = true
	return nil
}

// Remove releases the advisory lock and deletes the run directory and
// everything in it, the session-end half of the lifecycle.
func (r *RunDirectory) Remove() error {
	if r.lock != nil {
		r.lock.Unlock()
	}
	if err := os.RemoveAll(r.Path); err != nil {
		return fmt.Errorf("agentsvc: remove run directory %s: %w", r.Path, err)
	}
	return nil
}
