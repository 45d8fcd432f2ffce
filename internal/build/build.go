// Package build provides build information that is linked into the binary
// at build time via -ldflags.
package build

// ProjectName is used to prefix metrics and identify the service in traces.
const ProjectName = "scopeq"

var (
	// Version is the build version of the scopeq binary (e.g. v0.3.1).
	Version = "dev"

	// Commit is the git commit hash the binary was built from.
	Commit = ""

	// Date is the date the binary was built.
	Date = ""
)

// MinimumSupportedDatastoreSchemaRevision is the minimum revision of the
// system-table schema this build can run against. The migrate command
// refuses to start the server against anything older.
const MinimumSupportedDatastoreSchemaRevision int64 = 1
