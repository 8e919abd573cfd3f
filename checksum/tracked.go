package checksum

import (
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/lattice-substrate/proofkit/evidenceerr"
	"github.com/lattice-substrate/proofkit/runtime/executil"
)

// Source names where a tracked-file listing came from.
type Source string

const (
	SourceGit  Source = "git"
	SourceWalk Source = "walk"
)

// TrackedFiles lists the files under root that belong to the tree. The git
// index is authoritative; a recursive walk is used only when git cannot
// produce a listing (no repository, no git binary); the walk lists regular
// files and symlinks without following links. Paths are root-relative and
// slash separated.
func TrackedFiles(ctx context.Context, runner executil.CommandRunner, root string) ([]string, Source, error) {
	if runner != nil {
		res, err := runner.Run(ctx, executil.Command{
			Argv: []string{"git", "-C", root, "ls-files", "-z", "--cached"},
			Dir:  root,
		})
		if err != nil {
			return nil, "", err
		}
		if res.Success() {
			return splitNUL(res.Stdout), SourceGit, nil
		}
		slog.Default().With("component", "checksum").Debug("git listing unavailable, walking tree",
			"exit_code", res.ExitCode)
	}
	files, err := walk(root)
	if err != nil {
		return nil, "", err
	}
	return files, SourceWalk, nil
}

func splitNUL(out []byte) []string {
	var files []string
	for _, p := range bytes.Split(out, []byte{0}) {
		if len(p) == 0 {
			continue
		}
		files = append(files, string(p))
	}
	sort.Strings(files)
	return files
}

func walk(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "checksum", "walk "+root, err)
	}
	sort.Strings(files)
	return files, nil
}
