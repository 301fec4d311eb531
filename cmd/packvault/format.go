package main

import (
	"fmt"
	"strconv"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/ui"
)

func formatNode(path string, n *data.Node, long bool, human bool) string {
	if !long {
		return path
	}

	var target string
	if n.Type == data.NodeTypeSymlink {
		target = fmt.Sprintf(" -> %v", n.LinkTarget)
	}

	size := strconv.FormatUint(n.Size, 10)
	if human {
		size = ui.FormatBytes(n.Size)
	}

	return fmt.Sprintf("%s %5d %5d %6s %s %s%s",
		n.FileMode(), n.UID, n.GID, size,
		n.ModTime.Local().Format(TimeFormat), path,
		target)
}
