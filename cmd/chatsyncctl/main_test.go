package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/lock"
)

func TestCheckDaemon(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")

	err := checkDaemon("work", dir, sock)
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Fatalf("no lock, no socket: err = %v", err)
	}

	l, err := lock.Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Release() }()
	err = checkDaemon("work", dir, sock)
	if err == nil || !strings.Contains(err.Error(), fmt.Sprintf("pid %d", os.Getpid())) {
		t.Errorf("lock held, no socket: err = %v", err)
	}

	if err := os.WriteFile(sock, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := checkDaemon("work", dir, sock); err != nil {
		t.Errorf("socket present: err = %v", err)
	}
}
