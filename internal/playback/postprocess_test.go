package playback

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/ffmpeg"
	"github.com/fotoark/fotoark/internal/taskrecord"
	"github.com/fotoark/fotoark/internal/taskrunner"
	"github.com/fotoark/fotoark/internal/thumbs"
)

func newPostProcessor(t *testing.T, db *gorm.DB, paths config.PathsConfig, tc ffmpeg.Transcoder) *PostProcessor {
	t.Helper()
	log := hclog.NewNullLogger()
	worker := NewWorker(db, log, tc, paths, transcodeConfig())
	thumbWorker := thumbs.NewWorker(log, tc, paths)
	retry := thumbs.NewScheduler(taskrecord.NewStore(db), &nullRunner{}, log)
	return NewPostProcessor(log, worker, thumbWorker, retry, paths)
}

type nullRunner struct{}

func (nullRunner) SubmitDelayed(string, map[string]any, time.Duration) (string, error) {
	return "task-1", nil
}
func (nullRunner) IsAborted(string) bool { return false }

func (nullRunner) ReportProgress(string, taskrunner.Progress) {}

func writeImageOriginal(t *testing.T, paths config.PathsConfig, rel string, w, h int) {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 50, G: 60, B: 70, A: 255})
	dest := filepath.Join(paths.OriginalsDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, imaging.Save(img, dest))
}

func TestPrepareImageGeneratesThumbnails(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	media := &database.Media{LocalRelPath: "2024/05/01/pic.jpg"}
	require.NoError(t, db.Create(media).Error)
	writeImageOriginal(t, paths, media.LocalRelPath, 800, 600)

	p := newPostProcessor(t, db, paths, &fakeTranscoder{})
	result, err := p.Prepare(context.Background(), db, media, false)
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Nil(t, result.Playback)
	require.NotNil(t, result.Thumbnails)
	assert.Equal(t, []int{256, 512}, result.Thumbnails.Generated)
}

func TestPrepareVideoTranscodesThenThumbnails(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	media := &database.Media{LocalRelPath: "2024/05/01/clip.mov", IsVideo: true}
	require.NoError(t, db.Create(media).Error)

	source := filepath.Join(paths.OriginalsDir, "2024", "05", "01", "clip.mov")
	require.NoError(t, os.MkdirAll(filepath.Dir(source), 0o755))
	require.NoError(t, os.WriteFile(source, []byte("video"), 0o644))

	tc := &posterTranscoder{fakeTranscoder: fakeTranscoder{
		available: true,
		probes: map[string]*ffmpeg.ProbeResult{
			source: {FormatName: "mov", Width: 3840, Height: 2160,
				VideoCodec: "hevc", AudioCodec: "aac", HasVideo: true, HasAudio: true},
			"": {FormatName: "mp4", Width: 1920, Height: 1080,
				VideoCodec: "h264", AudioCodec: "aac", HasVideo: true, HasAudio: true},
		},
	}}

	p := newPostProcessor(t, db, paths, tc)
	result, err := p.Prepare(context.Background(), db, media, false)
	require.NoError(t, err)

	assert.True(t, result.OK)
	require.NotNil(t, result.Playback)
	assert.Equal(t, NoteCompleted, result.Playback.Note)
	require.NotNil(t, result.Thumbnails)
	assert.NotEmpty(t, result.Thumbnails.Generated)
	assert.Nil(t, result.ThumbnailRetry)
}

func TestPrepareVideoWithoutFFmpegLeavesPending(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	media := &database.Media{LocalRelPath: "2024/05/01/clip.mov", IsVideo: true}
	require.NoError(t, db.Create(media).Error)

	source := filepath.Join(paths.OriginalsDir, "2024", "05", "01", "clip.mov")
	require.NoError(t, os.MkdirAll(filepath.Dir(source), 0o755))
	require.NoError(t, os.WriteFile(source, []byte("video"), 0o644))

	p := newPostProcessor(t, db, paths, &fakeTranscoder{available: false})
	result, err := p.Prepare(context.Background(), db, media, false)
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, NoteFFmpegMissing, result.Note)
	assert.Nil(t, result.Thumbnails)

	// The pending row survives so a later sweep picks it up.
	var row database.MediaPlayback
	require.NoError(t, db.Where("media_id = ?", media.ID).First(&row).Error)
	assert.Equal(t, database.PlaybackStatusPending, row.Status)
}

func TestPrepareAlreadyDoneBackfillsThumbnails(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	media := &database.Media{LocalRelPath: "2024/05/01/clip.mov", IsVideo: true}
	require.NoError(t, db.Create(media).Error)

	relPath := "2024/05/01/clip.mp4"
	posterRel := "2024/05/01/clip.jpg"
	playFile := filepath.Join(paths.PlaybackDir, "2024", "05", "01", "clip.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(playFile), 0o755))
	require.NoError(t, os.WriteFile(playFile, []byte("rendition"), 0o644))

	poster := imaging.New(1280, 720, color.NRGBA{A: 255})
	require.NoError(t, imaging.Save(poster, filepath.Join(paths.PlaybackDir, "2024", "05", "01", "clip.jpg")))

	require.NoError(t, db.Create(&database.MediaPlayback{
		MediaID:       media.ID,
		Preset:        database.PlaybackPresetStd1080p,
		Status:        database.PlaybackStatusDone,
		RelPath:       &relPath,
		PosterRelPath: &posterRel,
	}).Error)

	p := newPostProcessor(t, db, paths, &fakeTranscoder{})
	result, err := p.Prepare(context.Background(), db, media, false)
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, NoteAlreadyDone, result.Note)
	require.NotNil(t, result.Thumbnails)
	assert.NotEmpty(t, result.Thumbnails.Generated)
}

func TestPrepareAlreadyDoneSkipsBackfillWithoutPoster(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	media := &database.Media{LocalRelPath: "2024/05/01/clip.mov", IsVideo: true}
	require.NoError(t, db.Create(media).Error)

	relPath := "2024/05/01/clip.mp4"
	playFile := filepath.Join(paths.PlaybackDir, "2024", "05", "01", "clip.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(playFile), 0o755))
	require.NoError(t, os.WriteFile(playFile, []byte("rendition"), 0o644))

	require.NoError(t, db.Create(&database.MediaPlayback{
		MediaID: media.ID,
		Preset:  database.PlaybackPresetStd1080p,
		Status:  database.PlaybackStatusDone,
		RelPath: &relPath,
	}).Error)

	p := newPostProcessor(t, db, paths, &fakeTranscoder{})
	result, err := p.Prepare(context.Background(), db, media, false)
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, NoteAlreadyDone, result.Note)
	assert.Nil(t, result.Thumbnails)
	assert.Nil(t, result.ThumbnailRetry)

	var records int64
	require.NoError(t, db.Model(&database.TaskRecord{}).Count(&records).Error)
	assert.Zero(t, records)
}

// posterTranscoder behaves like fakeTranscoder but also answers poster
// probes for extracted frames.
type posterTranscoder struct {
	fakeTranscoder
}

func (p *posterTranscoder) ExtractFrame(ctx context.Context, src, dst string, offset time.Duration) error {
	img := imaging.New(1280, 720, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return imaging.Save(img, dst)
}
