package segment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"lectern/internal/logging"
	"lectern/internal/queue"
	"lectern/internal/services"
)

// sourceAssetPattern matches the canonical naming of pipeline source inputs
// (source_media with any extension). Paths matching it must never be deleted
// through restart or clear operations.
var sourceAssetPattern = regexp.MustCompile(`(^|[/\\])source_media(\.[A-Za-z0-9]+)?$`)

// IsSourceAsset reports whether a path names a protected source input.
func IsSourceAsset(path string) bool {
	return sourceAssetPattern.MatchString(filepath.Clean(path))
}

// derivedArtifactKeys are the artifact slots restart may clear. The source
// media slot is deliberately absent.
var derivedArtifactKeys = []string{
	queue.ArtifactAudio,
	queue.ArtifactTranscript,
	queue.ArtifactTerminology,
}

// Restart resets a segment to ready, clearing timing, progress, and error
// state. Produced artifacts are preserved unless clearExisting is set, in
// which case derived artifact files are deleted and their references
// cleared. If any delete target names a source asset the whole operation
// aborts before touching anything.
func (m *Machine) Restart(ctx context.Context, segmentID string, clearExisting bool) (*queue.Segment, error) {
	segment, err := m.load(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if segment.IsProcessing {
		return nil, services.Wrap(services.ErrConflict, "segment", "restart", "segment "+segmentID+" is processing", nil)
	}

	if clearExisting {
		if err := m.clearDerivedArtifacts(ctx, segment); err != nil {
			return nil, err
		}
	}

	segment.Stage = queue.StageReady
	segment.ProgressPercent = 0
	segment.ErrorMessage = ""
	segment.StartedAt = nil
	if err := m.store.UpdateSegment(ctx, segment); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "segment restarted",
		logging.String(logging.FieldWorkID, segment.SegmentID),
		logging.Bool("cleared_artifacts", clearExisting),
	)
	return segment, nil
}

// clearDerivedArtifacts removes derived artifact files and their references.
// All targets are checked against the source-asset pattern before the first
// delete so a violation aborts with no partial effects.
func (m *Machine) clearDerivedArtifacts(ctx context.Context, segment *queue.Segment) error {
	var targets []string
	for _, key := range derivedArtifactKeys {
		path, ok := segment.ArtifactRef(key)
		if !ok {
			continue
		}
		if IsSourceAsset(path) {
			return services.Wrap(services.ErrSafety, "segment", "clear artifacts",
				fmt.Sprintf("refusing to delete source asset %q referenced by %s", path, key), nil)
		}
		targets = append(targets, path)
	}

	for _, path := range targets {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return services.Wrap(services.ErrStorage, "segment", "clear artifacts", "delete "+path, err)
		}
	}
	for _, key := range derivedArtifactKeys {
		delete(segment.ArtifactRefs, key)
	}
	m.logger.InfoContext(ctx, "derived artifacts cleared",
		logging.String(logging.FieldWorkID, segment.SegmentID),
		logging.Int("deleted", len(targets)),
	)
	return nil
}

// requireNonEmptyFile verifies the path exists and has content.
func requireNonEmptyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", path)
	}
	return nil
}
