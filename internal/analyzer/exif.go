package analyzer

import (
	"os"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// offsetTimeOriginal is the EXIF 2.31 tag pairing DateTimeOriginal with its
// UTC offset. goexif predates it, so it is addressed by name.
const offsetTimeOriginal = exif.FieldName("OffsetTimeOriginal")

const exifTimeLayout = "2006:01:02 15:04:05"

// exifResult is the parsed subset of a file's EXIF plus the raw tag map.
type exifResult struct {
	Raw            map[string]any
	Orientation    *int
	CameraMake     string
	CameraModel    string
	dateTime       string
	offsetOriginal string
}

// extractExif reads EXIF from the file at path. It never fails: undecodable
// or absent EXIF yields an empty result.
func extractExif(path string) exifResult {
	result := exifResult{Raw: map[string]any{}}

	f, err := os.Open(path)
	if err != nil {
		return result
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return result
	}

	walker := rawTagWalker{tags: result.Raw}
	_ = x.Walk(&walker)

	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil {
			result.Orientation = &v
		}
	}
	result.CameraMake = tagString(x, exif.Make)
	result.CameraModel = tagString(x, exif.Model)
	result.dateTime = tagString(x, exif.DateTimeOriginal)
	if result.dateTime == "" {
		result.dateTime = tagString(x, exif.DateTime)
	}
	result.offsetOriginal = tagString(x, offsetTimeOriginal)
	return result
}

// ShotAt derives the capture time: DateTimeOriginal combined with
// OffsetTimeOriginal when present, else interpreted in the fallback zone.
func (r exifResult) ShotAt(fallback *time.Location) *time.Time {
	if r.dateTime == "" {
		return nil
	}
	if r.offsetOriginal != "" {
		if t, err := time.Parse(exifTimeLayout+" -07:00", r.dateTime+" "+r.offsetOriginal); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	if t, err := time.ParseInLocation(exifTimeLayout, r.dateTime, fallback); err == nil {
		utc := t.UTC()
		return &utc
	}
	return nil
}

func tagString(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return strings.Trim(tag.String(), `"`)
	}
	return strings.TrimSpace(s)
}

// rawTagWalker collects every EXIF tag into a string map for persistence.
type rawTagWalker struct {
	tags map[string]any
}

func (w *rawTagWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	w.tags[string(name)] = strings.Trim(tag.String(), `"`)
	return nil
}
