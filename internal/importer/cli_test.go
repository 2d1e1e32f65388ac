package importer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"ingestd/internal/store"
)

type fakeSession struct {
	uuid string
	host string
	port int
}

func (f fakeSession) SessionUUID() string          { return f.uuid }
func (f fakeSession) Host() string                 { return f.host }
func (f fakeSession) Port() int                    { return f.port }
func (f fakeSession) Close(ctx context.Context) error { return nil }

func TestBuildImportArgvDataset(t *testing.T) {
	sess := fakeSession{uuid: "sess-1", host: "omero.example", port: 4064}
	order := store.Order{UUID: "o1", DestinationType: store.DestinationDataset, DestinationID: 42}
	argv := buildImportArgv(sess, order, []string{"/data/a.tiff"}, CLIOptions{LogDir: "/logs"})

	assert.Contains(t, argv, "-k")
	assert.Contains(t, argv, "sess-1")
	assert.Contains(t, argv, "-d")
	assert.Contains(t, argv, "42")
	assert.Contains(t, argv, "/data/a.tiff")
	assert.NotContains(t, argv, "-r")
}

func TestBuildImportArgvScreenUsesDepthFlag(t *testing.T) {
	sess := fakeSession{uuid: "sess-1", host: "omero.example", port: 4064}
	order := store.Order{UUID: "o1", DestinationType: store.DestinationScreen, DestinationID: 7}
	argv := buildImportArgv(sess, order, []string{"/data/p.db"}, CLIOptions{LogDir: "/logs"})

	assert.Contains(t, argv, "-r")
	assert.Contains(t, argv, "7")
	assert.Contains(t, argv, "--depth")
}

func TestBuildImportArgvSkipAllOverridesIndividualSkips(t *testing.T) {
	sess := fakeSession{uuid: "sess-1", host: "omero.example", port: 4064}
	order := store.Order{UUID: "o1", DestinationType: store.DestinationDataset, DestinationID: 1}
	argv := buildImportArgv(sess, order, nil, CLIOptions{LogDir: "/logs", SkipAll: true, SkipChecksum: true})

	count := 0
	for _, a := range argv {
		if a == "--skip" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Contains(t, argv, "all")
}

func TestParseIdentifiersIgnoresBlankLines(t *testing.T) {
	ids := parseIdentifiers("Image:1\n\nImage:2\n   \n")
	assert.Equal(t, []string{"Image:1", "Image:2"}, ids)
}

func TestParseIdentifiersEmptyStdoutYieldsNil(t *testing.T) {
	assert.Nil(t, parseIdentifiers("   \n\n"))
}
