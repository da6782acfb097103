// Package version holds the build-time identifier printed at startup,
// mirroring the teacher's internal/version package.
package version

// Value is overridable at build time via:
//
//	go build -ldflags "-X github.com/fabian4/quark/internal/version.Value=1.2.3"
var Value = "dev"
