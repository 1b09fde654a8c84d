// Package content stores uploaded file bodies for the application layer.
package content

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidName is returned for file names that are empty or would
// escape the owner's directory.
var ErrInvalidName = errors.New("content: invalid file name")

// Store keeps uploaded files grouped by owner.
type Store interface {
	// Put stores data under name for the user uid and returns where the
	// file can be fetched from.
	Put(ctx context.Context, uid uint64, name string, data []byte) (string, error)

	// Delete removes the named file. Deleting a missing file is not an error.
	Delete(ctx context.Context, uid uint64, name string) error
}

// CleanName validates a client-supplied file name.
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return "", ErrInvalidName
	}
	return name, nil
}

func ownerKey(uid uint64, name string) string {
	return strconv.FormatUint(uid, 10) + "/" + name
}
