package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fotoark/fotoark/internal/analyzer"
	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/ffmpeg"
)

func TestRefreshMoveOrderingProtectsOriginal(t *testing.T) {
	shot := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tc := &fakeTranscoder{available: true, probe: &ffmpeg.ProbeResult{
		FormatName: "mov", Width: 1920, Height: 1080, DurationMS: 2000, CreationTime: &shot,
	}}
	env := newImportEnv(t, tc)

	log := hclog.NewNullLogger()
	refresher := NewRefresher(log, analyzer.New(log, tc, time.UTC), env.paths)

	source := filepath.Join(env.paths.OriginalsDir, "unknown", "clip.mov")
	require.NoError(t, os.MkdirAll(filepath.Dir(source), 0o755))
	require.NoError(t, os.WriteFile(source, []byte("video bytes"), 0o644))

	media := &database.Media{LocalRelPath: "unknown/clip.mov", IsVideo: true, HashSHA256: "stale", Bytes: 11}
	require.NoError(t, env.db.Create(media).Error)

	playRel := "unknown/clip.mp4"
	require.NoError(t, env.db.Create(&database.MediaPlayback{
		MediaID: media.ID,
		Preset:  database.PlaybackPresetStd1080p,
		Status:  database.PlaybackStatusDone,
		RelPath: &playRel,
	}).Error)
	playFile := filepath.Join(env.paths.PlaybackDir, "unknown", "clip.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(playFile), 0o755))
	require.NoError(t, os.WriteFile(playFile, []byte("rendition"), 0o644))

	// A plain file where the new partition dir must go makes the playback
	// asset move fail.
	require.NoError(t, os.WriteFile(filepath.Join(env.paths.PlaybackDir, "2024"), []byte("in the way"), 0o644))

	changed := refresher.Refresh(context.Background(), env.db, media, source)
	assert.False(t, changed)

	// Playback assets move before the original, so a failed rebase leaves
	// the file local_rel_path points at in its old location.
	assert.FileExists(t, source)
	assert.FileExists(t, playFile)

	var got database.Media
	require.NoError(t, env.db.First(&got, media.ID).Error)
	assert.Equal(t, "unknown/clip.mov", got.LocalRelPath)
	assert.Equal(t, "stale", got.HashSHA256)

	var row database.MediaPlayback
	require.NoError(t, env.db.Where("media_id = ?", media.ID).First(&row).Error)
	require.NotNil(t, row.RelPath)
	assert.Equal(t, "unknown/clip.mp4", *row.RelPath)
}
