package csd

import (
	"github.com/ehrlich-b/go-csd/internal/ctrl"
	"github.com/ehrlich-b/go-csd/internal/interfaces"
)

// Media is the device-resident storage behind a namespace
type Media = interfaces.Media

// StatMedia is Media that reports its own statistics
type StatMedia = interfaces.StatMedia

// Geometry describes the namespace: block size, capacity and transfer limits
type Geometry = ctrl.Geometry

// Logger is the printf-style logger accepted in Options
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
