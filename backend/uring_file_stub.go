//go:build !giouring
// +build !giouring

package backend

import (
	"fmt"

	"github.com/ehrlich-b/go-csd/internal/interfaces"
)

// OpenURingFile is available when built with -tags giouring
func OpenURingFile(path string, size int64, entries uint32) (interfaces.StatMedia, error) {
	return nil, fmt.Errorf("giouring not enabled; build with -tags giouring")
}
