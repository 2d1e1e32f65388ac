// Package preprocess runs one container per order file, parses its structured tail
// output, and stages derived files for the importer. Runs only when the order carries a
// preprocessing row.
//
// Command construction mounts two targets into the container (the shared input
// directory and the fast-local alt-output directory) and parses the last JSON line of
// stdout, falling back to a directory scan when that line is missing or unparseable.
// Subprocess execution uses exec.CommandContext with captured stdout/stderr buffers and
// deliberately no hard timeout: subprocesses are expected to run as long as the
// container runtime takes.
package preprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"ingestd/internal/ingesterr"
	"ingestd/internal/observability"
	"ingestd/internal/store"
)

// Result is one preprocessed file triple from the container's structured tail output.
type Result struct {
	Name      string
	FullPath  string
	AltPath   string
	KeyValues map[string]string
}

// Runner executes the container runtime. Production code shells out to podman; tests
// inject a fake.
type Runner interface {
	Run(ctx context.Context, argv []string, env []string) (stdout string, stderr string, exitErr error)
}

// ExecRunner runs argv via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string, env []string) (string, string, error) {
	if len(argv) == 0 {
		return "", "", fmt.Errorf("preprocess: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	return out.String(), errOut.String(), err
}

// Options carries boot-time configuration the command builder needs.
type Options struct {
	ContainerRuntime string // defaults to "podman"
	UsernsMode       string // e.g. "keep-id", forwarded as --userns=<mode>
}

// Run executes the preprocessor for every file in order.Files, returning the combined
// result set that replaces those files for the importer. Fails with
// ingesterr.PreprocessFailed on any non-zero exit or an empty usable result set.
func Run(ctx context.Context, order store.Order, runner Runner, opts Options) ([]Result, error) {
	ctx, span := observability.StartSpan(ctx, "preprocess.run", attribute.String("order.uuid", order.UUID))
	defer span.End()

	spec := order.Preprocessing
	if spec == nil {
		return nil, fmt.Errorf("preprocess: order %s has no preprocessing spec", order.UUID)
	}
	runtime := opts.ContainerRuntime
	if runtime == "" {
		runtime = "podman"
	}

	var all []Result
	for _, file := range order.Files {
		results, err := runOne(ctx, order.UUID, file, *spec, runner, runtime, opts.UsernsMode)
		if err != nil {
			observability.Default.IncCounter("preprocess_runs_failed_total", nil, 1)
			return nil, err
		}
		all = append(all, results...)
	}
	if len(all) == 0 {
		observability.Default.IncCounter("preprocess_runs_failed_total", nil, 1)
		return nil, ingesterr.New(ingesterr.PreprocessFailed, "preprocessing produced no usable files")
	}
	observability.Default.IncCounter("preprocess_runs_completed_total", nil, 1)
	return all, nil
}

// SharedDestination derives the shared-storage ".processed/" subdirectory for a source
// file, from the input file's parent directory.
func SharedDestination(file string) string {
	return filepath.Join(filepath.Dir(file), ".processed")
}

// LocalStagingDir derives the fast-local staging directory for an order:
// "<alt_output_folder>/<uuid>/".
func LocalStagingDir(altOutputFolder, uuid string) string {
	return filepath.Join(altOutputFolder, uuid)
}

func runOne(ctx context.Context, uuid, file string, spec store.PreprocessingSpec, runner Runner, runtime, usernsMode string) ([]Result, error) {
	sharedDest := SharedDestination(file)
	localDest := LocalStagingDir(spec.AltOutputFolder, uuid)

	inputFile := strings.ReplaceAll(spec.InputFile, "{Files}", filepath.Join(spec.OutputFolder, filepath.Base(file)))

	argv := []string{runtime, "run", "--rm"}
	if usernsMode != "" {
		argv = append(argv, "--userns="+usernsMode)
	}
	argv = append(argv,
		"-v", fmt.Sprintf("%s:%s", filepath.Dir(file), spec.OutputFolder),
		"-v", fmt.Sprintf("%s:%s", localDest, spec.AltOutputFolder),
	)
	argv = append(argv, spec.Container)

	keys := make([]string, 0, len(spec.ExtraParams))
	for k := range spec.ExtraParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "--"+k, spec.ExtraParams[k])
	}
	argv = append(argv, "--inputfile", inputFile, "--outputfolder", spec.OutputFolder)

	stdout, stderr, err := runner.Run(ctx, argv, os.Environ())
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.PreprocessFailed, fmt.Sprintf("container run failed for %s", file), fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr)))
	}

	results, parseErr := parseTail(stdout)
	if parseErr != nil || len(results) == 0 {
		results, err = scanDirectory(localDest, sharedDest)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.PreprocessFailed, "tail output unparseable and directory scan failed", err)
		}
	}
	if len(results) == 0 {
		return nil, ingesterr.New(ingesterr.PreprocessFailed, fmt.Sprintf("no usable files produced for %s", file))
	}
	return results, nil
}

type tailEntry struct {
	Name      string                   `json:"name"`
	FullPath  string                   `json:"full_path"`
	AltPath   string                   `json:"alt_path"`
	KeyValues []map[string]interface{} `json:"keyvalues,omitempty"`
}

// parseTail parses the last non-empty line of stdout as a JSON sequence of tailEntry.
func parseTail(stdout string) ([]Result, error) {
	lines := strings.Split(stdout, "\n")
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			last = strings.TrimSpace(lines[i])
			break
		}
	}
	if last == "" {
		return nil, fmt.Errorf("preprocess: empty stdout")
	}
	var entries []tailEntry
	if err := json.Unmarshal([]byte(last), &entries); err != nil {
		return nil, fmt.Errorf("preprocess: tail line is not a JSON sequence: %w", err)
	}
	out := make([]Result, 0, len(entries))
	for _, e := range entries {
		kv := map[string]string{}
		for _, m := range e.KeyValues {
			for k, v := range m {
				kv[k] = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, Result{Name: e.Name, FullPath: e.FullPath, AltPath: e.AltPath, KeyValues: kv})
	}
	return out, nil
}

// scanDirectory falls back to listing altOutputFolder's staging directory when the tail
// output is unparseable.
func scanDirectory(localDest, sharedDest string) ([]Result, error) {
	entries, err := os.ReadDir(localDest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Result
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, Result{
			Name:     e.Name(),
			AltPath:  filepath.Join(localDest, e.Name()),
			FullPath: filepath.Join(sharedDest, e.Name()),
		})
	}
	return out, nil
}
