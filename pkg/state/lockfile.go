package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var errLocked = errors.New("file is locked")

type fileLock struct {
	path string
	file *os.File
}

func lockFile(path string) (*fileLock, error) {
	lockPath := path + ".lock"

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, err
		}
		info, statErr := os.Stat(lockPath)
		if statErr != nil || time.Since(info.ModTime()) <= staleLockAge {
			return nil, errLocked
		}
		os.Remove(lockPath)
		file, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			return nil, errLocked
		}
	}

	// PID for debugging
	fmt.Fprintf(file, "%d\n", os.Getpid())
	file.Sync()

	return &fileLock{path: lockPath, file: file}, nil
}

func (fl *fileLock) Unlock() error {
	if fl.file != nil {
		fl.file.Close()
	}
	return os.Remove(fl.path)
}

func writeAtomic(path string, content []byte) error {
	var perm os.FileMode = 0644
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode()
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err = f.Chmod(perm); err != nil {
		return err
	}
	if _, err = f.Write(content); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return err
	}

	success = true
	return nil
}
