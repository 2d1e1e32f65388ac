package importer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"ingestd/internal/store"
)

// Runner executes the import CLI: context-bound exec.Command, captured stdout/stderr,
// no shared-logger interleaving across concurrent imports.
type Runner interface {
	Run(ctx context.Context, argv []string) (stdout, stderr string, err error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) (string, string, error) {
	if len(argv) == 0 {
		return "", "", fmt.Errorf("importer: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	return out.String(), errOut.String(), err
}

// CLIOptions carries the config-driven flags forwarded verbatim to the import CLI.
type CLIOptions struct {
	BinaryPath                string
	LogDir                    string
	ParallelUploadPerWorker   int
	ParallelFilesetsPerWorker int
	SkipChecksum              bool
	SkipMinMax                bool
	SkipThumbnails            bool
	SkipUpgrade               bool
	SkipAll                   bool
	UseRegisterZarr           bool
}

// buildImportArgv constructs the import CLI invocation for one validated order. sess
// supplies the session connection details; files is the set of input paths to import
// (the order's Files, or the preprocessor's AltPaths when preprocessing ran).
func buildImportArgv(sess Session, order store.Order, files []string, opts CLIOptions) []string {
	binary := opts.BinaryPath
	if binary == "" {
		binary = "omero"
	}
	argv := []string{
		binary, "import",
		"-k", sess.SessionUUID(),
		"-s", sess.Host(),
		"-p", strconv.Itoa(sess.Port()),
		"--transfer=ln_s",
		"--file", fmt.Sprintf("%s/cli.%s.logs", opts.LogDir, order.UUID),
		"--errs", fmt.Sprintf("%s/cli.%s.errs", opts.LogDir, order.UUID),
	}
	if opts.ParallelUploadPerWorker > 0 {
		argv = append(argv, "--parallel-upload", strconv.Itoa(opts.ParallelUploadPerWorker))
	}
	if opts.ParallelFilesetsPerWorker > 0 {
		argv = append(argv, "--parallel-fileset", strconv.Itoa(opts.ParallelFilesetsPerWorker))
	}
	if opts.SkipAll {
		argv = append(argv, "--skip", "all")
	} else {
		if opts.SkipChecksum {
			argv = append(argv, "--skip", "checksum")
		}
		if opts.SkipMinMax {
			argv = append(argv, "--skip", "minmax")
		}
		if opts.SkipThumbnails {
			argv = append(argv, "--skip", "thumbnails")
		}
		if opts.SkipUpgrade {
			argv = append(argv, "--skip", "upgrade")
		}
	}
	if opts.UseRegisterZarr {
		// Forwarding only; the CLI owns zarr-registration internals.
		argv = append(argv, "--register-zarr")
	}
	switch order.DestinationType {
	case store.DestinationScreen:
		argv = append(argv, "-r", strconv.FormatInt(order.DestinationID, 10), "--depth", "10")
	case store.DestinationType(""), store.DestinationDataset:
		argv = append(argv, "-d", strconv.FormatInt(order.DestinationID, 10))
	}
	argv = append(argv, files...)
	return argv
}

// parseIdentifiers collects one identifier per non-empty stdout line (one per line or
// one per fileset, depending on what the CLI imported).
func parseIdentifiers(stdout string) []string {
	var out []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
