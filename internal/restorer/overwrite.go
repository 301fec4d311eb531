package restorer

import (
	"context"
	"os"
	"strings"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/errors"
)

// OverwriteBehavior decides what happens to files which already exist in the
// target directory.
type OverwriteBehavior int

const (
	OverwriteAlways OverwriteBehavior = iota
	// OverwriteIfChanged only rewrites the blobs of a file which differ.
	// Files with matching size and mtime are assumed unchanged. Metadata
	// is always restored.
	OverwriteIfChanged
	OverwriteIfNewer
	OverwriteNever
	OverwriteInvalid
)

var overwriteNames = [...]string{
	OverwriteAlways:    "always",
	OverwriteIfChanged: "if-changed",
	OverwriteIfNewer:   "if-newer",
	OverwriteNever:     "never",
}

// Set parses a flag value.
func (c *OverwriteBehavior) Set(s string) error {
	for b, name := range overwriteNames {
		if name == s {
			*c = OverwriteBehavior(b)
			return nil
		}
	}
	*c = OverwriteInvalid
	return errors.Errorf("invalid overwrite behavior %q, must be one of (%s)", s, strings.Join(overwriteNames[:], "|"))
}

func (c *OverwriteBehavior) String() string {
	if *c < 0 || int(*c) >= len(overwriteNames) {
		return "invalid"
	}
	return overwriteNames[*c]
}

func (c *OverwriteBehavior) Type() string {
	return "behavior"
}

// shouldOverwrite reports whether the existing item at dst may be replaced
// by node. A missing dst is always written.
func shouldOverwrite(overwrite OverwriteBehavior, node *data.Node, dst string) (bool, error) {
	switch overwrite {
	case OverwriteAlways, OverwriteIfChanged:
		return true, nil
	case OverwriteIfNewer, OverwriteNever:
	default:
		panic("unknown overwrite behavior")
	}

	fi, err := os.Lstat(dst)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return true, nil
	case err != nil:
		return false, err
	}
	return overwrite == OverwriteIfNewer && node.ModTime.After(fi.ModTime()), nil
}

// NeedsRestore reports whether any blob of the file has to be written.
func (s *fileState) NeedsRestore() bool {
	if s == nil {
		return true
	}
	for _, ok := range s.blobMatches {
		if !ok {
			return true
		}
	}
	return false
}

// restoreFunc writes an item. metadataOnly is set when the existing file
// already has the right content, matches lists its matching blobs.
type restoreFunc func(metadataOnly bool, matches *fileState) error

// withOverwriteCheck calls fn unless the overwrite behavior keeps the item at
// target. Skipped items are reported to the progress.
func (res *Restorer) withOverwriteCheck(ctx context.Context, node *data.Node, target, location string, isHardlink bool, fn restoreFunc) error {
	ok, err := shouldOverwrite(res.opts.Overwrite, node, target)
	if err != nil {
		return err
	}
	if !ok {
		skipped := node.Size
		if isHardlink {
			skipped = 0
		}
		res.opts.Progress.AddSkippedFile(location, skipped)
		return nil
	}

	if node.Type != data.NodeTypeFile || isHardlink {
		return fn(false, nil)
	}
	// an unreadable or differently sized file yields nil and is rewritten
	matches, _, _ := res.verifyFile(ctx, target, node, false, res.opts.Overwrite == OverwriteIfChanged, nil)
	return fn(!matches.NeedsRestore(), matches)
}
