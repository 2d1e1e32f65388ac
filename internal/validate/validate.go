// Package validate normalises a raw claimed order into a typed ValidatedOrder, failing
// with ingesterr.OrderInvalid (terminal for the attempt) on any violation. Validation is
// a pure function over an injected IdentityResolver rather than a method that reaches
// out to global state.
package validate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"ingestd/internal/ingesterr"
	"ingestd/internal/store"
)

// IdentityResolver resolves user/group identity against the image repository. The
// production implementation (internal/repository) answers these lookups by querying the
// repository's catalog database directly, without opening a session; tests supply a fake.
type IdentityResolver interface {
	// ResolveUser reports whether userName exists in the repository.
	ResolveUser(ctx context.Context, userName string) (bool, error)
	// ResolveGroupMembership reports whether userName is a member of groupName. Returns
	// (false, nil) if the group itself does not exist.
	ResolveGroupMembership(ctx context.Context, groupName, userName string) (bool, error)
}

// ValidatedOrder is the typed, checked view of an order ready for the next pipeline step.
type ValidatedOrder struct {
	UUID            string
	GroupName       string
	UserName        string
	DestinationID   int64
	DestinationType store.DestinationType
	Files           []string
	Preprocessing   *store.PreprocessingSpec
}

var allowedDestinationTypes = map[store.DestinationType]bool{
	store.DestinationDataset: true,
	store.DestinationScreen:  true,
}

// Options configures optional, off-by-default Validator behavior.
type Options struct {
	// PathPrefixRewrites maps an old path prefix to its replacement, applied before the
	// existence/readability check. At most one rewrite applies per path; the entries are
	// tried in map iteration order, so which one applies when several prefixes match is
	// not defined. Empty by default.
	PathPrefixRewrites map[string]string
}

// Validate normalises and checks order, returning ingesterr.OrderInvalid on any failure.
func Validate(ctx context.Context, order store.Order, resolver IdentityResolver, opts Options) (*ValidatedOrder, error) {
	if len(order.Files) == 0 {
		return nil, ingesterr.New(ingesterr.OrderInvalid, "order has no files")
	}

	files := make([]string, len(order.Files))
	for i, f := range order.Files {
		files[i] = rewritePrefix(f, opts.PathPrefixRewrites)
	}

	for _, f := range files {
		if !strings.HasPrefix(f, "/") {
			return nil, ingesterr.New(ingesterr.OrderInvalid, fmt.Sprintf("file path not absolute: %s", f))
		}
		info, err := os.Stat(f)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.OrderInvalid, fmt.Sprintf("file not accessible: %s", f), err)
		}
		if info.IsDir() {
			return nil, ingesterr.New(ingesterr.OrderInvalid, fmt.Sprintf("file path is a directory: %s", f))
		}
		if f2, err := os.Open(f); err != nil {
			return nil, ingesterr.Wrap(ingesterr.OrderInvalid, fmt.Sprintf("file not readable: %s", f), err)
		} else {
			_ = f2.Close()
		}
	}

	if !allowedDestinationTypes[order.DestinationType] {
		return nil, ingesterr.New(ingesterr.OrderInvalid, fmt.Sprintf("unsupported destination_type: %s", order.DestinationType))
	}
	if order.DestinationID < 0 {
		return nil, ingesterr.New(ingesterr.OrderInvalid, "destination_id must be non-negative")
	}

	if order.UserName == "" {
		return nil, ingesterr.New(ingesterr.OrderInvalid, "missing user_name")
	}
	if order.GroupName == "" {
		return nil, ingesterr.New(ingesterr.OrderInvalid, "missing group_name")
	}

	ok, err := resolver.ResolveUser(ctx, order.UserName)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.OrderInvalid, "identity lookup failed", err)
	}
	if !ok {
		return nil, ingesterr.New(ingesterr.OrderInvalid, fmt.Sprintf("unknown user: %s", order.UserName))
	}

	member, err := resolver.ResolveGroupMembership(ctx, order.GroupName, order.UserName)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.OrderInvalid, "group membership lookup failed", err)
	}
	if !member {
		return nil, ingesterr.New(ingesterr.OrderInvalid, fmt.Sprintf("user %s is not a member of group %s", order.UserName, order.GroupName))
	}

	return &ValidatedOrder{
		UUID:            order.UUID,
		GroupName:       order.GroupName,
		UserName:        order.UserName,
		DestinationID:   order.DestinationID,
		DestinationType: order.DestinationType,
		Files:           files,
		Preprocessing:   order.Preprocessing,
	}, nil
}

// rewritePrefix applies each old->new prefix rewrite in map iteration order until one
// matches, leaving path unchanged if none do.
func rewritePrefix(path string, rewrites map[string]string) string {
	for oldPrefix, newPrefix := range rewrites {
		if oldPrefix == "" {
			continue
		}
		if strings.HasPrefix(path, oldPrefix) {
			return newPrefix + strings.TrimPrefix(path, oldPrefix)
		}
	}
	return path
}
