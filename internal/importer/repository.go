// Package importer opens a repository session, invokes the import CLI, parses returned
// object identifiers, attaches metadata, and rewires symlinks to point back at shared
// storage.
package importer

import (
	"context"
	"time"
)

// Session represents an open, sudo'd-as-user repository session. Exposes exactly the
// connection details the import CLI needs on its command line
// ('-k <uuid> -s <host> -p <port>').
type Session interface {
	SessionUUID() string
	Host() string
	Port() int
	Close(ctx context.Context) error
}

// Repository is the narrow interface this daemon needs from the image repository: a
// login/session API, an import CLI, and a filesystem tree it manages. Production code
// (internal/repository) implements this by running the repository's own CLI and querying
// its catalog database; tests inject a fake.
type Repository interface {
	// OpenSession opens a session as userName, sudo'd from the service's root
	// credentials, scoped to groupName, with the given TTL.
	OpenSession(ctx context.Context, groupName, userName string, ttl time.Duration) (Session, error)

	// ResolveUser reports whether userName exists in the repository.
	ResolveUser(ctx context.Context, userName string) (bool, error)
	// ResolveGroupMembership reports whether userName is a member of groupName.
	ResolveGroupMembership(ctx context.Context, groupName, userName string) (bool, error)

	// DatasetExists and ScreenExists let the importer fail fast before CLI invocation
	// when the destination does not exist.
	DatasetExists(ctx context.Context, id int64) (bool, error)
	ScreenExists(ctx context.Context, id int64) (bool, error)

	// ManagedFilesFor enumerates every path under the repository's managed tree that
	// belongs to objectID, for symlink rewiring.
	ManagedFilesFor(ctx context.Context, objectID string) ([]string, error)

	// AttachAnnotations attaches a flat key/value map to the imported object.
	AttachAnnotations(ctx context.Context, objectID string, kv map[string]string) error
}
