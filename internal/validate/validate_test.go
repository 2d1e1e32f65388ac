package validate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestd/internal/ingesterr"
	"ingestd/internal/store"
)

type fakeResolver struct {
	knownUsers   map[string]bool
	groupMembers map[string]bool // "group/user" -> member
}

func (f fakeResolver) ResolveUser(ctx context.Context, userName string) (bool, error) {
	return f.knownUsers[userName], nil
}

func (f fakeResolver) ResolveGroupMembership(ctx context.Context, groupName, userName string) (bool, error) {
	return f.groupMembers[groupName+"/"+userName], nil
}

func baseOrder(t *testing.T, files ...string) store.Order {
	t.Helper()
	return store.Order{
		UUID:            "order-1",
		GroupName:       "lab",
		UserName:        "alice",
		DestinationID:   10,
		DestinationType: store.DestinationDataset,
		Files:           files,
	}
}

func writeTempFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.tiff")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	return path
}

func TestValidateHappyPath(t *testing.T) {
	file := writeTempFile(t)
	resolver := fakeResolver{
		knownUsers:   map[string]bool{"alice": true},
		groupMembers: map[string]bool{"lab/alice": true},
	}
	order := baseOrder(t, file)

	out, err := Validate(context.Background(), order, resolver, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{file}, out.Files)
}

func TestValidateRejectsNoFiles(t *testing.T) {
	order := baseOrder(t)
	_, err := Validate(context.Background(), order, fakeResolver{}, Options{})
	assertOrderInvalid(t, err)
}

func TestValidateRejectsMissingFile(t *testing.T) {
	order := baseOrder(t, "/definitely/does/not/exist.tiff")
	resolver := fakeResolver{knownUsers: map[string]bool{"alice": true}, groupMembers: map[string]bool{"lab/alice": true}}
	_, err := Validate(context.Background(), order, resolver, Options{})
	assertOrderInvalid(t, err)
}

func TestValidateRejectsUnsupportedDestinationType(t *testing.T) {
	file := writeTempFile(t)
	order := baseOrder(t, file)
	order.DestinationType = store.DestinationType("Folder")
	resolver := fakeResolver{knownUsers: map[string]bool{"alice": true}, groupMembers: map[string]bool{"lab/alice": true}}

	_, err := Validate(context.Background(), order, resolver, Options{})
	assertOrderInvalid(t, err)
}

func TestValidateRejectsUnknownUser(t *testing.T) {
	file := writeTempFile(t)
	order := baseOrder(t, file)
	_, err := Validate(context.Background(), order, fakeResolver{}, Options{})
	assertOrderInvalid(t, err)
}

func TestValidateRejectsNonMember(t *testing.T) {
	file := writeTempFile(t)
	order := baseOrder(t, file)
	resolver := fakeResolver{knownUsers: map[string]bool{"alice": true}}
	_, err := Validate(context.Background(), order, resolver, Options{})
	assertOrderInvalid(t, err)
}

func TestValidateAppliesPathPrefixRewrite(t *testing.T) {
	file := writeTempFile(t)
	dir := filepath.Dir(file)
	order := baseOrder(t, filepath.Join("/old", filepath.Base(file)))
	resolver := fakeResolver{knownUsers: map[string]bool{"alice": true}, groupMembers: map[string]bool{"lab/alice": true}}

	out, err := Validate(context.Background(), order, resolver, Options{
		PathPrefixRewrites: map[string]string{"/old": dir},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{file}, out.Files)
}

func assertOrderInvalid(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, ingesterr.OrderInvalid, ingesterr.KindOf(err))
}
