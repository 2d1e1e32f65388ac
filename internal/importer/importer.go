package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"ingestd/internal/ingesterr"
	"ingestd/internal/observability"
	"ingestd/internal/preprocess"
	"ingestd/internal/store"
	"ingestd/internal/validate"
)

// Importer drives one validated, optionally preprocessed order end to end: destination
// existence check, session open, CLI import, symlink rewiring, and metadata attachment.
type Importer struct {
	Repo    Repository
	Runner  Runner
	Options CLIOptions
	TTL     time.Duration
}

// Input is everything Import needs for one order beyond the repository connection.
type Input struct {
	Order         store.Order
	Validated     *validate.ValidatedOrder
	Preprocessed  []preprocess.Result // nil when the order carries no preprocessing spec
}

// Output is what the worker pool needs to record after a successful import.
type Output struct {
	ObjectIDs []string
	Rewired   int
}

// Import runs the destination check, session open, CLI import, optional symlink
// rewiring, and metadata attachment in sequence, returning ingesterr-classified errors
// for every failure mode.
func (im *Importer) Import(ctx context.Context, in Input) (*Output, error) {
	ctx, span := observability.StartSpan(ctx, "importer.import", attribute.String("order.uuid", in.Order.UUID))
	defer span.End()

	v := in.Validated

	switch v.DestinationType {
	case store.DestinationDataset:
		ok, err := im.Repo.DatasetExists(ctx, v.DestinationID)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.ImportFailed, "dataset lookup failed", err)
		}
		if !ok {
			return nil, ingesterr.New(ingesterr.ImportFailed, fmt.Sprintf("dataset %d does not exist", v.DestinationID))
		}
	case store.DestinationScreen:
		ok, err := im.Repo.ScreenExists(ctx, v.DestinationID)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.ImportFailed, "screen lookup failed", err)
		}
		if !ok {
			return nil, ingesterr.New(ingesterr.ImportFailed, fmt.Sprintf("screen %d does not exist", v.DestinationID))
		}
	}

	sess, err := im.Repo.OpenSession(ctx, v.GroupName, v.UserName, im.TTL)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.ImportFailed, "failed to open repository session", err)
	}
	defer func() { _ = sess.Close(ctx) }()

	inputFiles, altToFull := im.resolveInputFiles(v, in.Preprocessed)

	argv := buildImportArgv(sess, in.Order, inputFiles, im.Options)
	stdout, stderr, runErr := im.Runner.Run(ctx, argv)
	if runErr != nil {
		return nil, ingesterr.Wrap(ingesterr.ImportFailed, "import CLI exited non-zero",
			fmt.Errorf("%v: %s", runErr, truncate(stderr, 500)))
	}

	ids := parseIdentifiers(stdout)
	if len(ids) == 0 {
		return nil, ingesterr.New(ingesterr.ImportFailed, "import CLI returned no identifiers")
	}
	observability.Default.IncCounter("import_cli_objects_created_total", nil, float64(len(ids)))

	var rewired int
	if in.Preprocessed != nil {
		rewired, err = im.rewireAll(ctx, ids, v.Preprocessing.AltOutputFolder, altToFull)
		if err != nil {
			return nil, err
		}
		if err := os.RemoveAll(preprocess.LocalStagingDir(v.Preprocessing.AltOutputFolder, in.Order.UUID)); err != nil {
			return nil, ingesterr.Wrap(ingesterr.RewireFailed, "failed to remove staging directory", err)
		}
	}

	if err := im.attachMetadata(ctx, ids, v, in.Preprocessed); err != nil {
		return nil, err
	}

	return &Output{ObjectIDs: ids, Rewired: rewired}, nil
}

// resolveInputFiles returns the paths passed positionally to the import CLI: the
// order's original files, or the preprocessor's alt_paths when preprocessing ran. Also
// returns the alt_path -> full_path map symlink rewiring needs.
func (im *Importer) resolveInputFiles(v *validate.ValidatedOrder, results []preprocess.Result) ([]string, map[string]string) {
	if results == nil {
		return v.Files, nil
	}
	files := make([]string, 0, len(results))
	altToFull := make(map[string]string, len(results))
	for _, r := range results {
		files = append(files, r.AltPath)
		altToFull[r.AltPath] = r.FullPath
	}
	return files, altToFull
}

func (im *Importer) rewireAll(ctx context.Context, objectIDs []string, altOutputFolder string, altToFull map[string]string) (int, error) {
	total := 0
	for _, id := range objectIDs {
		managed, err := im.Repo.ManagedFilesFor(ctx, id)
		if err != nil {
			return total, ingesterr.Wrap(ingesterr.RewireFailed, fmt.Sprintf("failed to enumerate managed files for %s", id), err)
		}
		n, err := RewireSymlinks(managed, altOutputFolder, altToFull)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (im *Importer) attachMetadata(ctx context.Context, objectIDs []string, v *validate.ValidatedOrder, results []preprocess.Result) error {
	preprocessorKV := map[string]string{}
	for _, r := range results {
		for k, val := range r.KeyValues {
			preprocessorKV[k] = val
		}
	}

	var csvKV map[string]string
	if len(v.Files) > 0 {
		dir := filepath.Dir(v.Files[0])
		kv, err := LoadCSVMetadata(dir)
		if err != nil {
			return ingesterr.Wrap(ingesterr.ImportFailed, "failed to read metadata.csv", err)
		}
		if kv == nil {
			kv, err = LoadCSVMetadata(filepath.Join(dir, ".processed"))
			if err != nil {
				return ingesterr.Wrap(ingesterr.ImportFailed, "failed to read .processed metadata.csv", err)
			}
		}
		csvKV = kv
	}

	merged := MergeKeyValues(csvKV, preprocessorKV)
	if len(merged) == 0 {
		return nil
	}
	for _, id := range objectIDs {
		if err := im.Repo.AttachAnnotations(ctx, id, merged); err != nil {
			return ingesterr.Wrap(ingesterr.ImportFailed, fmt.Sprintf("failed to attach annotations to %s", id), err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
