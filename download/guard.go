package download

import (
	"os"
	"path/filepath"
)

// A guardedFile stages writes in a temporary file next to the destination
// and renames it into place on Commit. Discard removes the temporary; it is
// a no-op after Commit, so `defer g.Discard()` guarantees cleanup on every
// exit path without racing a successful rename.
type guardedFile struct {
	f    *os.File
	path string
	done bool
}

func createGuarded(path string) (*guardedFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+"-*.tmp")
	if err != nil {
		return nil, err
	}
	return &guardedFile{f: f, path: path}, nil
}

func (g *guardedFile) Write(p []byte) (int, error) {
	return g.f.Write(p)
}

func (g *guardedFile) Commit() error {
	if err := g.f.Sync(); err != nil {
		g.f.Close()
		return err
	} else if err := g.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(g.f.Name(), g.path); err != nil {
		return err
	}
	g.done = true
	return nil
}

func (g *guardedFile) Discard() {
	if g.done {
		return
	}
	g.f.Close()
	os.Remove(g.f.Name())
}
