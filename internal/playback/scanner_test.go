package playback

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/database"
)

func seedVideoMedia(t *testing.T, db *gorm.DB, paths config.PathsConfig, rel string, withSource bool) *database.Media {
	t.Helper()
	media := &database.Media{LocalRelPath: rel, IsVideo: true}
	require.NoError(t, db.Create(media).Error)
	if withSource {
		source := filepath.Join(paths.OriginalsDir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(source), 0o755))
		require.NoError(t, os.WriteFile(source, []byte("video"), 0o644))
	}
	return media
}

func TestSweepQueuesVideosWithoutPlayback(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	media := seedVideoMedia(t, db, paths, "2024/05/01/a.mov", true)
	seedVideoMedia(t, db, paths, "2024/05/01/gone.mov", false)

	s := NewScanner(db, hclog.NewNullLogger(), paths)
	result, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Queued)
	assert.Equal(t, 1, result.Skipped)

	var row database.MediaPlayback
	require.NoError(t, db.Where("media_id = ?", media.ID).First(&row).Error)
	assert.Equal(t, database.PlaybackPresetStd1080p, row.Preset)
	assert.Equal(t, database.PlaybackStatusPending, row.Status)
	require.NotNil(t, row.RelPath)
	assert.Equal(t, "2024/05/01/a.mp4", *row.RelPath)
}

func TestSweepSkipsExistingRows(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	media := seedVideoMedia(t, db, paths, "2024/05/01/a.mov", true)

	require.NoError(t, db.Create(&database.MediaPlayback{
		MediaID: media.ID,
		Preset:  database.PlaybackPresetStd1080p,
		Status:  database.PlaybackStatusProcessing,
	}).Error)

	s := NewScanner(db, hclog.NewNullLogger(), paths)
	result, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, result.Queued)
	assert.Equal(t, 1, result.Skipped)

	var n int64
	require.NoError(t, db.Model(&database.MediaPlayback{}).Where("media_id = ?", media.ID).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestSweepRevivesErroredRows(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	media := seedVideoMedia(t, db, paths, "2024/05/01/a.mov", true)

	msg := "ffmpeg exploded"
	require.NoError(t, db.Create(&database.MediaPlayback{
		MediaID:  media.ID,
		Preset:   database.PlaybackPresetStd1080p,
		Status:   database.PlaybackStatusError,
		ErrorMsg: &msg,
	}).Error)

	s := NewScanner(db, hclog.NewNullLogger(), paths)
	result, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Queued)

	var row database.MediaPlayback
	require.NoError(t, db.Where("media_id = ?", media.ID).First(&row).Error)
	assert.Equal(t, database.PlaybackStatusPending, row.Status)
	assert.Nil(t, row.ErrorMsg)
}

func TestSweepIgnoresNonCandidates(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)

	require.NoError(t, db.Create(&database.Media{LocalRelPath: "2024/05/01/pic.jpg"}).Error)
	require.NoError(t, db.Create(&database.Media{LocalRelPath: "2024/05/01/done.mp4", IsVideo: true, HasPlayback: true}).Error)
	require.NoError(t, db.Create(&database.Media{LocalRelPath: "2024/05/01/del.mp4", IsVideo: true, IsDeleted: true}).Error)

	s := NewScanner(db, hclog.NewNullLogger(), paths)
	result, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
}

func TestPendingReturnsOldestFirst(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)

	for i, status := range []string{
		database.PlaybackStatusPending,
		database.PlaybackStatusDone,
		database.PlaybackStatusPending,
	} {
		require.NoError(t, db.Create(&database.MediaPlayback{
			MediaID: uint(i + 1),
			Preset:  database.PlaybackPresetStd1080p,
			Status:  status,
		}).Error)
	}
	// Other presets never qualify.
	require.NoError(t, db.Create(&database.MediaPlayback{
		MediaID: 9, Preset: database.PlaybackPresetPreview, Status: database.PlaybackStatusPending,
	}).Error)

	s := NewScanner(db, hclog.NewNullLogger(), paths)
	ids, err := s.Pending()
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 3}, ids)
}
