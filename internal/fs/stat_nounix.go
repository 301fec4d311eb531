//go:build !unix

package fs

import "os"

func lstat(name string) (*ExtendedFileInfo, error) {
	fi, err := os.Lstat(name)
	if err != nil {
		return nil, err
	}

	return &ExtendedFileInfo{
		Name:       fi.Name(),
		Mode:       fi.Mode(),
		Size:       fi.Size(),
		Links:      1,
		AccessTime: fi.ModTime(),
		ModTime:    fi.ModTime(),
		ChangeTime: fi.ModTime(),
	}, nil
}
