package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ingestd/internal/config"
	"ingestd/internal/importer"
	"ingestd/internal/ingesterr"
)

type fakeSession struct{ closeErr error }

func (fakeSession) SessionUUID() string { return "sess" }
func (fakeSession) Host() string        { return "omero.example" }
func (fakeSession) Port() int           { return 4064 }
func (s fakeSession) Close(ctx context.Context) error { return s.closeErr }

type fakeSelfTestRepo struct {
	openErr  error
	closeErr error
}

func (f fakeSelfTestRepo) OpenSession(ctx context.Context, groupName, userName string, ttl time.Duration) (importer.Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return fakeSession{closeErr: f.closeErr}, nil
}
func (fakeSelfTestRepo) ResolveUser(ctx context.Context, userName string) (bool, error) { return true, nil }
func (fakeSelfTestRepo) ResolveGroupMembership(ctx context.Context, groupName, userName string) (bool, error) {
	return true, nil
}
func (fakeSelfTestRepo) DatasetExists(ctx context.Context, id int64) (bool, error) { return true, nil }
func (fakeSelfTestRepo) ScreenExists(ctx context.Context, id int64) (bool, error)  { return true, nil }
func (fakeSelfTestRepo) ManagedFilesFor(ctx context.Context, objectID string) ([]string, error) {
	return nil, nil
}
func (fakeSelfTestRepo) AttachAnnotations(ctx context.Context, objectID string, kv map[string]string) error {
	return nil
}

func TestCheckRepositoryConnectivitySucceeds(t *testing.T) {
	l := &Lifecycle{
		Cfg:  &config.Config{OmeroUser: "root"},
		Deps: &Deps{Repo: fakeSelfTestRepo{}},
		Log:  zap.NewNop().Sugar(),
	}
	require.NoError(t, l.checkRepositoryConnectivity(context.Background()))
}

func TestCheckRepositoryConnectivityFailsFastOnUnreachableRepository(t *testing.T) {
	l := &Lifecycle{
		Cfg:  &config.Config{OmeroUser: "root"},
		Deps: &Deps{Repo: fakeSelfTestRepo{openErr: errors.New("connection refused")}},
		Log:  zap.NewNop().Sugar(),
	}
	err := l.checkRepositoryConnectivity(context.Background())
	require.Error(t, err)
	assert.Equal(t, ingesterr.FatalBoot, ingesterr.KindOf(err))
}

func TestCheckRepositoryConnectivityToleratesCloseError(t *testing.T) {
	l := &Lifecycle{
		Cfg:  &config.Config{OmeroUser: "root"},
		Deps: &Deps{Repo: fakeSelfTestRepo{closeErr: errors.New("logout failed")}},
		Log:  zap.NewNop().Sugar(),
	}
	require.NoError(t, l.checkRepositoryConnectivity(context.Background()))
}
