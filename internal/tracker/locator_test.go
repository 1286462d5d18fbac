package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/dudu/facelive/internal/detector"
	"github.com/dudu/facelive/internal/frame"
)

// scriptedDetector returns one scripted result per call, then nothing.
type scriptedDetector struct {
	script [][]detector.Detection
	calls  int
	err    error
}

func (d *scriptedDetector) Detect(*frame.Frame) ([]detector.Detection, error) {
	if d.err != nil {
		return nil, d.err
	}
	i := d.calls
	d.calls++
	if i >= len(d.script) {
		return nil, nil
	}
	return d.script[i], nil
}

func faceAt(x, y, score float32) detector.Detection {
	return detector.Detection{
		Box: detector.BoundingBox{X1: x - 20, Y1: y - 20, X2: x + 20, Y2: y + 20},
		Landmarks: detector.Landmarks{
			{X: x - 8, Y: y - 5},
			{X: x + 8, Y: y - 5},
			{X: x, Y: y},
			{X: x - 6, Y: y + 8},
			{X: x + 6, Y: y + 8},
		},
		Score: score,
	}
}

func testFrame(seq uint64) *frame.Frame {
	f, _ := frame.New(seq, time.Now(), 4, 4, frame.FormatGray8, make([]byte, 16))
	return f
}

func defaultConfig() Config {
	return Config{Threshold: 0.5, MatchRadius: 30, MaxTrackAge: 2, Smoothing: 1}
}

func TestTrackContinuity(t *testing.T) {
	det := &scriptedDetector{}
	for i := 0; i < 10; i++ {
		det.script = append(det.script, []detector.Detection{faceAt(100+float32(i)*3, 100, 0.9)})
	}
	loc := NewLocator(det, defaultConfig(), nil)

	var first Face
	for i := 0; i < 10; i++ {
		faces, err := loc.Locate(testFrame(uint64(i)))
		if err != nil {
			t.Fatalf("Locate: %v", err)
		}
		if len(faces) != 1 {
			t.Fatalf("frame %d: %d faces, want 1", i, len(faces))
		}
		if i == 0 {
			first = faces[0]
			continue
		}
		if faces[0].TrackID != first.TrackID {
			t.Fatalf("frame %d: track id changed", i)
		}
	}
}

func TestThresholdAndOrdering(t *testing.T) {
	det := &scriptedDetector{script: [][]detector.Detection{{
		faceAt(50, 50, 0.6),
		faceAt(300, 50, 0.3),
		faceAt(200, 200, 0.95),
	}}}
	loc := NewLocator(det, defaultConfig(), nil)

	faces, err := loc.Locate(testFrame(1))
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if len(faces) != 2 {
		t.Fatalf("got %d faces, want 2", len(faces))
	}
	if faces[0].Score != 0.95 || faces[1].Score != 0.6 {
		t.Errorf("scores = %v, %v", faces[0].Score, faces[1].Score)
	}
	if faces[0].TrackID == faces[1].TrackID {
		t.Error("simultaneous faces share a track id")
	}
}

func TestEvictionAfterMaxAge(t *testing.T) {
	a := faceAt(100, 100, 0.9)
	det := &scriptedDetector{script: [][]detector.Detection{
		{a}, nil, nil, {a}, // missed twice: same track
		nil, nil, nil, {a}, // missed three times: evicted, new track
	}}
	loc := NewLocator(det, defaultConfig(), nil)

	var ids []Face
	for i := 0; i < len(det.script); i++ {
		faces, err := loc.Locate(testFrame(uint64(i)))
		if err != nil {
			t.Fatalf("Locate: %v", err)
		}
		if len(faces) == 1 {
			ids = append(ids, faces[0])
		}
		if i == 6 && loc.Tracks() != 0 {
			t.Errorf("after 3 misses Tracks() = %d, want 0", loc.Tracks())
		}
	}
	if len(ids) != 3 {
		t.Fatalf("got %d sightings, want 3", len(ids))
	}
	if ids[0].TrackID != ids[1].TrackID {
		t.Error("track should survive max_track_age misses")
	}
	if ids[1].TrackID == ids[2].TrackID {
		t.Error("track should be evicted after exceeding max_track_age")
	}
}

func TestGreedyAssociation(t *testing.T) {
	det := &scriptedDetector{script: [][]detector.Detection{
		{faceAt(100, 100, 0.9), faceAt(140, 100, 0.8)},
		{faceAt(138, 100, 0.8), faceAt(104, 100, 0.9)},
	}}
	cfg := defaultConfig()
	cfg.MatchRadius = 50
	loc := NewLocator(det, cfg, nil)

	f1, _ := loc.Locate(testFrame(1))
	f2, _ := loc.Locate(testFrame(2))

	byScore := func(fs []Face, s float32) Face {
		for _, f := range fs {
			if f.Score == s {
				return f
			}
		}
		t.Fatalf("no face with score %v", s)
		return Face{}
	}
	if byScore(f1, 0.9).TrackID != byScore(f2, 0.9).TrackID {
		t.Error("left face changed track")
	}
	if byScore(f1, 0.8).TrackID != byScore(f2, 0.8).TrackID {
		t.Error("right face changed track")
	}
}

func TestSmoothing(t *testing.T) {
	det := &scriptedDetector{script: [][]detector.Detection{
		{faceAt(100, 100, 0.9)},
		{faceAt(110, 100, 0.9)},
	}}
	cfg := defaultConfig()
	cfg.Smoothing = 0.5
	loc := NewLocator(det, cfg, nil)

	_, _ = loc.Locate(testFrame(1))
	faces, _ := loc.Locate(testFrame(2))
	if got := faces[0].Landmarks[detector.Nose].X; got != 105 {
		t.Errorf("smoothed nose x = %v, want 105", got)
	}
}

func TestDetectInterval(t *testing.T) {
	det := &scriptedDetector{script: [][]detector.Detection{
		{faceAt(100, 100, 0.9)},
		{faceAt(100, 100, 0.9)},
	}}
	cfg := defaultConfig()
	cfg.DetectInterval = 3
	loc := NewLocator(det, cfg, nil)

	var id Face
	for i := 0; i < 4; i++ {
		faces, err := loc.Locate(testFrame(uint64(i)))
		if err != nil {
			t.Fatalf("Locate: %v", err)
		}
		if len(faces) != 1 {
			t.Fatalf("frame %d: %d faces, want 1", i, len(faces))
		}
		if i == 0 {
			id = faces[0]
		} else if faces[0].TrackID != id.TrackID {
			t.Fatalf("frame %d: track id changed", i)
		}
	}
	if det.calls != 2 {
		t.Errorf("detector ran %d times, want 2", det.calls)
	}
}

func TestDetectorErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	loc := NewLocator(&scriptedDetector{err: boom}, defaultConfig(), nil)
	if _, err := loc.Locate(testFrame(1)); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}
