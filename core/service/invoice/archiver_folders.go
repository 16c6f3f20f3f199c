package invoice

import (
	"context"
	"errors"
	"strconv"
	"time"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"
	"archiver_server/pkg/logger"
	"archiver_server/pkg/resilience"
)

// FolderResolver finds or creates the year/month/user folder path. Lookups
// are memoized for the lifetime of the resolver, which is one run.
type FolderResolver struct {
	client out.StorageClient
	rootID string
	retry  resilience.Policy
	cache  map[string]string
}

func NewFolderResolver(client out.StorageClient, rootID string, retry resilience.Policy) *FolderResolver {
	return &FolderResolver{
		client: client,
		rootID: rootID,
		retry:  retry,
		cache:  make(map[string]string),
	}
}

// Resolve returns the user folder for (year, month, userName). Any failing
// step aborts the whole resolution.
func (r *FolderResolver) Resolve(ctx context.Context, year int, month time.Month, userName string) (*domain.FolderResolution, error) {
	if userName == "" {
		return nil, domain.NewArchiveError(domain.KindFolderResolution, "resolve", errors.New("empty user folder name"))
	}

	parent := ""
	for _, name := range []string{strconv.Itoa(year), month.String(), userName} {
		id, err := r.findOrCreate(ctx, name, parent)
		if err != nil {
			return nil, domain.NewArchiveError(domain.KindFolderResolution, "folder "+name, err)
		}
		parent = id
	}

	return &domain.FolderResolution{FolderID: parent, DriveID: r.rootID}, nil
}

func (r *FolderResolver) findOrCreate(ctx context.Context, name, parentID string) (string, error) {
	key := parentID + "/" + name
	if id, ok := r.cache[key]; ok {
		return id, nil
	}

	ids, err := resilience.Do(ctx, r.retry, func(ctx context.Context) ([]string, error) {
		return r.client.FindFolders(ctx, name, parentID, r.rootID)
	})
	if err != nil {
		return "", err
	}

	var id string
	if len(ids) > 0 {
		id = ids[0]
		if len(ids) > 1 {
			logger.WithContext(ctx).Warn("[FolderResolver] %d folders named %q under %q, using %s", len(ids), name, parentID, id)
		}
	} else {
		// Not retried: a create that timed out after succeeding would leave a duplicate.
		id, err = r.client.CreateFolder(ctx, name, parentID, r.rootID)
		if err != nil {
			return "", err
		}
		logger.WithContext(ctx).Info("[FolderResolver] created folder %q under %q: %s", name, parentID, id)
	}

	r.cache[key] = id
	return id, nil
}
