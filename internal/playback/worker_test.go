package playback

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/ffmpeg"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func testPaths(t *testing.T) config.PathsConfig {
	t.Helper()
	root := t.TempDir()
	paths := config.PathsConfig{
		ImportDir:     filepath.Join(root, "import"),
		OriginalsDir:  filepath.Join(root, "originals"),
		PlaybackDir:   filepath.Join(root, "playback"),
		ThumbnailsDir: filepath.Join(root, "thumbs"),
		TempDir:       filepath.Join(root, "tmp"),
	}
	for _, dir := range []string{paths.ImportDir, paths.OriginalsDir, paths.PlaybackDir, paths.ThumbnailsDir, paths.TempDir} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	return paths
}

// fakeTranscoder scripts probe results per path and records frame
// extraction. Transcode and ExtractFrame write placeholder output files.
type fakeTranscoder struct {
	available    bool
	probes       map[string]*ffmpeg.ProbeResult
	probeErr     error
	transcodeErr error
	frameErr     error
	transcoded   []string
	frames       []string
}

func (f *fakeTranscoder) Available() bool { return f.available }

func (f *fakeTranscoder) Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	if p, ok := f.probes[path]; ok {
		return p, nil
	}
	if p, ok := f.probes[""]; ok {
		return p, nil
	}
	return nil, &ffmpeg.ExecError{Stderr: "no such file", Err: os.ErrNotExist}
}

func (f *fakeTranscoder) Transcode(ctx context.Context, src, dst string, p ffmpeg.TranscodeParams) error {
	if f.transcodeErr != nil {
		return f.transcodeErr
	}
	f.transcoded = append(f.transcoded, dst)
	return os.WriteFile(dst, []byte("transcoded"), 0o644)
}

func (f *fakeTranscoder) ExtractFrame(ctx context.Context, src, dst string, offset time.Duration) error {
	if f.frameErr != nil {
		return f.frameErr
	}
	f.frames = append(f.frames, dst)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte("poster"), 0o644)
}

func seedVideo(t *testing.T, db *gorm.DB, paths config.PathsConfig, rel string) (*database.Media, *database.MediaPlayback) {
	t.Helper()
	media := &database.Media{LocalRelPath: rel, IsVideo: true}
	require.NoError(t, db.Create(media).Error)

	source := filepath.Join(paths.OriginalsDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(source), 0o755))
	require.NoError(t, os.WriteFile(source, []byte("video bytes"), 0o644))

	playRel := rel[:len(rel)-len(filepath.Ext(rel))] + ".mp4"
	row := &database.MediaPlayback{
		MediaID: media.ID,
		Preset:  database.PlaybackPresetStd1080p,
		RelPath: &playRel,
		Status:  database.PlaybackStatusPending,
	}
	require.NoError(t, db.Create(row).Error)
	return media, row
}

func transcodeConfig() config.TranscodeConfig {
	return config.TranscodeConfig{CRF: 23, Preset: "medium", PosterOffset: time.Second}
}

func TestProcessTranscodesAndExtractsPoster(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	media, row := seedVideo(t, db, paths, "2024/05/01/clip.mov")

	source := filepath.Join(paths.OriginalsDir, "2024", "05", "01", "clip.mov")
	tc := &fakeTranscoder{
		available: true,
		probes: map[string]*ffmpeg.ProbeResult{
			source: {FormatName: "mov", Width: 3840, Height: 2160, DurationMS: 4000,
				VideoCodec: "hevc", AudioCodec: "aac", HasVideo: true, HasAudio: true},
			"": {FormatName: "mp4", Width: 1920, Height: 1080, DurationMS: 4000,
				VideoCodec: "h264", AudioCodec: "aac", HasVideo: true, HasAudio: true},
		},
	}

	w := NewWorker(db, hclog.NewNullLogger(), tc, paths, transcodeConfig())
	result, err := w.Process(context.Background(), row.ID)
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, NoteCompleted, result.Note)
	assert.Equal(t, 1920, result.Width)
	assert.FileExists(t, result.OutputPath)
	assert.FileExists(t, result.PosterPath)

	var got database.MediaPlayback
	require.NoError(t, db.First(&got, row.ID).Error)
	assert.Equal(t, database.PlaybackStatusDone, got.Status)
	require.NotNil(t, got.PosterRelPath)
	assert.Equal(t, "2024/05/01/clip.jpg", *got.PosterRelPath)
	assert.Equal(t, "h264", got.VideoCodec)

	var gotMedia database.Media
	require.NoError(t, db.First(&gotMedia, media.ID).Error)
	assert.True(t, gotMedia.HasPlayback)
}

func TestProcessPassthroughForCompliantMP4(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	_, row := seedVideo(t, db, paths, "2024/05/01/ready.mp4")

	tc := &fakeTranscoder{
		available: true,
		probes: map[string]*ffmpeg.ProbeResult{
			"": {FormatName: "mov,mp4,m4a,3gp,3g2,mj2", Width: 1280, Height: 720, DurationMS: 2500,
				VideoCodec: "h264", AudioCodec: "aac", HasVideo: true, HasAudio: true},
		},
	}

	w := NewWorker(db, hclog.NewNullLogger(), tc, paths, transcodeConfig())
	result, err := w.Process(context.Background(), row.ID)
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, NotePassthrough, result.Note)
	assert.Empty(t, tc.transcoded)
	assert.FileExists(t, result.OutputPath)
}

func TestProcessGates(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	tc := &fakeTranscoder{available: true}
	w := NewWorker(db, hclog.NewNullLogger(), tc, paths, transcodeConfig())

	result, err := w.Process(context.Background(), 999)
	require.NoError(t, err)
	assert.Equal(t, NoteNotFound, result.Note)

	_, row := seedVideo(t, db, paths, "2024/05/01/clip.mp4")
	require.NoError(t, db.Model(row).Update("status", database.PlaybackStatusDone).Error)
	result, err = w.Process(context.Background(), row.ID)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, NoteAlreadyDone, result.Note)

	require.NoError(t, db.Model(row).Update("status", database.PlaybackStatusProcessing).Error)
	result, err = w.Process(context.Background(), row.ID)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, NoteAlreadyRunning, result.Note)
}

func TestProcessMissingSource(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	media := &database.Media{LocalRelPath: "2024/05/01/ghost.mp4", IsVideo: true}
	require.NoError(t, db.Create(media).Error)
	row := &database.MediaPlayback{
		MediaID: media.ID,
		Preset:  database.PlaybackPresetStd1080p,
		Status:  database.PlaybackStatusPending,
	}
	require.NoError(t, db.Create(row).Error)

	w := NewWorker(db, hclog.NewNullLogger(), &fakeTranscoder{available: true}, paths, transcodeConfig())
	result, err := w.Process(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, NoteMissingInput, result.Note)

	var got database.MediaPlayback
	require.NoError(t, db.First(&got, row.ID).Error)
	assert.Equal(t, database.PlaybackStatusError, got.Status)
}

func TestProcessWithoutFFmpegLeavesPending(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	_, row := seedVideo(t, db, paths, "2024/05/01/clip.mp4")

	w := NewWorker(db, hclog.NewNullLogger(), &fakeTranscoder{available: false}, paths, transcodeConfig())
	result, err := w.Process(context.Background(), row.ID)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, NoteFFmpegMissing, result.Note)

	var got database.MediaPlayback
	require.NoError(t, db.First(&got, row.ID).Error)
	assert.Equal(t, database.PlaybackStatusPending, got.Status)
}

func TestProcessMissingStreamInOutput(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	_, row := seedVideo(t, db, paths, "2024/05/01/silent.mov")

	source := filepath.Join(paths.OriginalsDir, "2024", "05", "01", "silent.mov")
	tc := &fakeTranscoder{
		available: true,
		probes: map[string]*ffmpeg.ProbeResult{
			source: {FormatName: "mov", Width: 1920, Height: 1080,
				VideoCodec: "hevc", HasVideo: true, HasAudio: true},
			"": {FormatName: "mp4", Width: 1920, Height: 1080,
				VideoCodec: "h264", HasVideo: true, HasAudio: false},
		},
	}

	w := NewWorker(db, hclog.NewNullLogger(), tc, paths, transcodeConfig())
	result, err := w.Process(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, NoteMissingStream, result.Note)

	var got database.MediaPlayback
	require.NoError(t, db.First(&got, row.ID).Error)
	assert.Equal(t, database.PlaybackStatusError, got.Status)
	require.NotNil(t, got.ErrorMsg)
}

func TestProcessFFmpegFailure(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	_, row := seedVideo(t, db, paths, "2024/05/01/bad.mov")

	source := filepath.Join(paths.OriginalsDir, "2024", "05", "01", "bad.mov")
	tc := &fakeTranscoder{
		available: true,
		probes: map[string]*ffmpeg.ProbeResult{
			source: {FormatName: "mov", Width: 1921, Height: 1081,
				VideoCodec: "hevc", AudioCodec: "aac", HasVideo: true, HasAudio: true},
		},
		transcodeErr: &ffmpeg.ExecError{
			Stderr: "frame info\nwidth not divisible by 2 (1921x1081)\ntrailer",
			Err:    os.ErrInvalid,
		},
	}

	w := NewWorker(db, hclog.NewNullLogger(), tc, paths, transcodeConfig())
	result, err := w.Process(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, NoteFFmpegError, result.Note)
	assert.Contains(t, result.Error, "not divisible")

	var got database.MediaPlayback
	require.NoError(t, db.First(&got, row.ID).Error)
	assert.Equal(t, database.PlaybackStatusError, got.Status)
}

func TestProcessOutputMoveFailureMarksError(t *testing.T) {
	db := testDB(t)
	paths := testPaths(t)
	_, row := seedVideo(t, db, paths, "2024/05/01/clip.mov")

	source := filepath.Join(paths.OriginalsDir, "2024", "05", "01", "clip.mov")
	tc := &fakeTranscoder{
		available: true,
		probes: map[string]*ffmpeg.ProbeResult{
			source: {FormatName: "mov", Width: 3840, Height: 2160,
				VideoCodec: "hevc", AudioCodec: "aac", HasVideo: true, HasAudio: true},
			"": {FormatName: "mp4", Width: 1920, Height: 1080,
				VideoCodec: "h264", AudioCodec: "aac", HasVideo: true, HasAudio: true},
		},
	}

	// A plain file where the destination partition dir should go makes the
	// output placement fail after the claim.
	require.NoError(t, os.WriteFile(filepath.Join(paths.PlaybackDir, "2024"), []byte("in the way"), 0o644))

	w := NewWorker(db, hclog.NewNullLogger(), tc, paths, transcodeConfig())
	_, err := w.Process(context.Background(), row.ID)
	require.Error(t, err)

	// The row must not stay processing, or nothing would ever retry it.
	var got database.MediaPlayback
	require.NoError(t, db.First(&got, row.ID).Error)
	assert.Equal(t, database.PlaybackStatusError, got.Status)
	require.NotNil(t, got.ErrorMsg)

	// The next sweep revives it.
	require.NoError(t, os.Remove(filepath.Join(paths.PlaybackDir, "2024")))
	sweep, err := NewScanner(db, hclog.NewNullLogger(), paths).Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Queued)

	require.NoError(t, db.First(&got, row.ID).Error)
	assert.Equal(t, database.PlaybackStatusPending, got.Status)
}

func TestSummarizeStderr(t *testing.T) {
	out := summarizeStderr("line1\nheight must be even\nline3")
	assert.Equal(t, "height must be even", out)

	out = summarizeStderr("a\nb\nc\nd\ne")
	assert.Equal(t, "c; d; e", out)

	assert.Equal(t, "ffmpeg failed", summarizeStderr(""))
}
