package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperRemovesExecutionDirs(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{
		filepath.Join(root, "executions", "x"),
		filepath.Join(root, "artifacts", "x"),
	} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	s := newSweeper(root)
	s.Enqueue("x")
	s.Close()

	_, err := os.Stat(filepath.Join(root, "executions", "x"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "artifacts", "x"))
	assert.True(t, os.IsNotExist(err))
}

func TestSweeperEnqueueConcurrentWithClose(t *testing.T) {
	s := newSweeper(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Enqueue(fmt.Sprintf("exec-%d", n))
		}(i)
	}
	s.Close()
	wg.Wait()

	// after Close the sweep runs inline on the caller
	s.Enqueue("late")
	s.Close()
}
