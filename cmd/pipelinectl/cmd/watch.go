package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dir]",
		Short: "Watches a directory tree and prints filesystem events until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE:  watchDir,
	}
}

func watchDir(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("pipelinectl: starting watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, root); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			fmt.Printf("%s %s\n", event.Op, event.Name)
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						fmt.Printf("pipelinectl: watch %s: %v\n", event.Name, err)
					}
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Printf("pipelinectl: watch error: %v\n", err)
		case <-sigCh:
			return nil
		}
	}
}

// addRecursive adds root and every directory beneath it to watcher, creating
// root first if it doesn't exist yet.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("pipelinectl: creating %s: %w", root, err)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
