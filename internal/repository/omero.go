// Package repository implements the image repository's login/session surface by
// shelling out to its own CLI, the same subprocess-capture idiom the importer and
// preprocessor use for their external programs, and resolves identity/existence
// lookups by querying the repository's own Postgres-backed catalog directly with the
// same driver the tracker uses, since the metadata database is itself Postgres.
package repository

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ingestd/internal/importer"
	"ingestd/internal/ingesterr"
)

// Config carries the connection details for both the CLI session path and the catalog
// query path.
type Config struct {
	Host       string
	Port       int
	RootUser   string
	RootPass   string
	BinaryPath string // defaults to "omero"
}

// OMERO implements importer.Repository and validate.IdentityResolver against a real
// OMERO deployment.
type OMERO struct {
	cfg     Config
	catalog *pgxpool.Pool
}

// New builds an OMERO repository adapter. catalog is the connection pool to OMERO's own
// Postgres database (a distinct database from this daemon's tracking store).
func New(cfg Config, catalog *pgxpool.Pool) *OMERO {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "omero"
	}
	return &OMERO{cfg: cfg, catalog: catalog}
}

// session implements importer.Session.
type session struct {
	uuid string
	host string
	port int
	cli  Config
}

func (s *session) SessionUUID() string { return s.uuid }
func (s *session) Host() string        { return s.host }
func (s *session) Port() int           { return s.port }

func (s *session) Close(ctx context.Context) error {
	argv := []string{s.cli.BinaryPath, "sessions", "logout"}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var errOut bytes.Buffer
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("repository: session logout failed: %w: %s", err, strings.TrimSpace(errOut.String()))
	}
	return nil
}

var sessionUUIDPattern = regexp.MustCompile(`(?i)session\s+([0-9a-f-]{36})\s+created`)

// OpenSession logs in as the configured root credentials, then sudos to userName scoped
// to groupName. The returned session's TTL is enforced by the repository server itself;
// ttl is passed through, in whole seconds, as the CLI's --timeout option.
func (o *OMERO) OpenSession(ctx context.Context, groupName, userName string, ttl time.Duration) (importer.Session, error) {
	argv := []string{
		o.cfg.BinaryPath, "sessions", "login",
		fmt.Sprintf("%s@%s:%d", o.cfg.RootUser, o.cfg.Host, o.cfg.Port),
		"-w", o.cfg.RootPass,
		"--sudo", userName,
		"--group", groupName,
		"--timeout", strconv.FormatInt(int64(ttl.Seconds()), 10),
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, ingesterr.Wrap(ingesterr.ImportFailed, "repository session login failed",
			fmt.Errorf("%w: %s", err, strings.TrimSpace(errOut.String())))
	}

	m := sessionUUIDPattern.FindStringSubmatch(out.String())
	if m == nil {
		return nil, ingesterr.New(ingesterr.ImportFailed, "repository session login produced no session uuid")
	}
	return &session{uuid: m[1], host: o.cfg.Host, port: o.cfg.Port, cli: o.cfg}, nil
}

// ResolveUser reports whether userName exists in the experimenter catalog.
func (o *OMERO) ResolveUser(ctx context.Context, userName string) (bool, error) {
	var exists bool
	err := o.catalog.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM experimenter WHERE omename = $1)`, userName,
	).Scan(&exists)
	return exists, err
}

// ResolveGroupMembership reports whether userName belongs to groupName.
func (o *OMERO) ResolveGroupMembership(ctx context.Context, groupName, userName string) (bool, error) {
	var exists bool
	err := o.catalog.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM groupexperimentermap m
			JOIN experimenter e ON e.id = m.child
			JOIN experimentergroup g ON g.id = m.parent
			WHERE e.omename = $1 AND g.name = $2
		)`, userName, groupName,
	).Scan(&exists)
	return exists, err
}

// DatasetExists reports whether a dataset row with the given id exists.
func (o *OMERO) DatasetExists(ctx context.Context, id int64) (bool, error) {
	return o.rowExists(ctx, "dataset", id)
}

// ScreenExists reports whether a screen row with the given id exists.
func (o *OMERO) ScreenExists(ctx context.Context, id int64) (bool, error) {
	return o.rowExists(ctx, "screen", id)
}

func (o *OMERO) rowExists(ctx context.Context, table string, id int64) (bool, error) {
	var exists bool
	// table is one of a fixed internal set of literals, never user input.
	err := o.catalog.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, table), id).Scan(&exists)
	return exists, err
}

// imageID extracts the numeric id from an import-CLI identifier, which comes back either
// as a bare integer or as an "Image:123" style reference.
func imageID(objectID string) (int64, error) {
	s := objectID
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		s = s[idx+1:]
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: unparseable object identifier %q: %w", objectID, err)
	}
	return id, nil
}

// normalizeObjectRef ensures objectID carries an "Image:" type prefix for the CLI.
func normalizeObjectRef(objectID string) string {
	if strings.Contains(objectID, ":") {
		return objectID
	}
	return "Image:" + objectID
}

// ManagedFilesFor lists every path the repository's file management believes it owns for
// objectID by consulting the originalfile/pixels join the repository server populates
// on import.
func (o *OMERO) ManagedFilesFor(ctx context.Context, objectID string) ([]string, error) {
	id, err := imageID(objectID)
	if err != nil {
		return nil, err
	}
	rows, err := o.catalog.Query(ctx, `
		SELECT f.path || f.name
		FROM image i
		JOIN pixels p ON p.image = i.id
		JOIN originalfile f ON f.id = p.id
		WHERE i.id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		out = append(out, path)
	}
	return out, rows.Err()
}

// AttachAnnotations attaches a flat key/value map annotation to objectID via the CLI's
// metadata plugin, since map annotation creation is not exposed by any catalog write
// this adapter should perform directly.
func (o *OMERO) AttachAnnotations(ctx context.Context, objectID string, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	argv := []string{o.cfg.BinaryPath, "metadata", "populate", "--object", normalizeObjectRef(objectID)}
	for k, v := range kv {
		argv = append(argv, "--annotation", k+"="+v)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var errOut bytes.Buffer
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("repository: annotation attach failed: %w: %s", err, strings.TrimSpace(errOut.String()))
	}
	return nil
}
