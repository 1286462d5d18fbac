// Package tracker turns per-frame detections into stable, smoothed face
// tracks.
package tracker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dudu/facelive/internal/detector"
	"github.com/dudu/facelive/internal/frame"
)

// Face is a detection that has been assigned to a track.
type Face struct {
	TrackID   uuid.UUID
	Box       detector.BoundingBox
	Landmarks detector.Landmarks
	Score     float32
}

// Config controls detection filtering and track association.
type Config struct {
	// Threshold drops detections scoring below it.
	Threshold float32
	// MatchRadius is the largest mean landmark distance, in pixels, at
	// which a detection continues an existing track.
	MatchRadius float32
	// MaxTrackAge is how many consecutive unmatched frames a track survives.
	MaxTrackAge int
	// Smoothing is the weight of the newest landmarks in the moving
	// average. 1 disables smoothing.
	Smoothing float32
	// DetectInterval runs the detector on every Nth frame only.
	DetectInterval int
}

type track struct {
	face   Face
	missed int
}

// Locator associates detections across frames. It is safe for use by one
// goroutine at a time; the mutex only guards Tracks.
type Locator struct {
	det detector.FaceDetector
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	tracks map[uuid.UUID]*track
	frames uint64
}

// NewLocator creates a Locator over det.
func NewLocator(det detector.FaceDetector, cfg Config, log *slog.Logger) *Locator {
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = 1
	}
	if cfg.DetectInterval < 1 {
		cfg.DetectInterval = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Locator{
		det:    det,
		cfg:    cfg,
		log:    log,
		tracks: make(map[uuid.UUID]*track),
	}
}

// Locate returns the faces visible in f, highest confidence first.
func (l *Locator) Locate(f *frame.Frame) ([]Face, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.frames++
	if l.cfg.DetectInterval > 1 && (l.frames-1)%uint64(l.cfg.DetectInterval) != 0 {
		return l.live(), nil
	}

	dets, err := l.det.Detect(f)
	if err != nil {
		return nil, fmt.Errorf("detect frame %d: %w", f.Seq, err)
	}

	kept := dets[:0:0]
	for _, d := range dets {
		if d.Score >= l.cfg.Threshold {
			kept = append(kept, d)
		}
	}

	matched := l.associate(kept)

	seen := make(map[*track]bool, len(kept))
	out := make([]Face, 0, len(kept))
	for i, d := range kept {
		t, ok := matched[i]
		if ok {
			t.face.Box = d.Box
			t.face.Score = d.Score
			t.face.Landmarks = smooth(t.face.Landmarks, d.Landmarks, l.cfg.Smoothing)
			t.missed = 0
		} else {
			t = &track{face: Face{
				TrackID:   uuid.New(),
				Box:       d.Box,
				Landmarks: d.Landmarks,
				Score:     d.Score,
			}}
			l.tracks[t.face.TrackID] = t
			l.log.Debug("track started", "track_id", t.face.TrackID, "seq", f.Seq)
		}
		seen[t] = true
		out = append(out, t.face)
	}

	l.age(seen, f.Seq)
	sortFaces(out)
	return out, nil
}

// associate pairs detections with tracks, globally nearest pair first. The
// result maps detection index to its track.
func (l *Locator) associate(dets []detector.Detection) map[int]*track {
	type pair struct {
		det  int
		tr   *track
		dist float32
	}

	var pairs []pair
	for i, d := range dets {
		for _, t := range l.tracks {
			dist, ok := t.face.Landmarks.MeanDistance(d.Landmarks)
			if !ok || dist > l.cfg.MatchRadius {
				continue
			}
			pairs = append(pairs, pair{det: i, tr: t, dist: dist})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })

	matched := make(map[int]*track, len(pairs))
	used := make(map[*track]bool, len(pairs))
	for _, p := range pairs {
		if _, ok := matched[p.det]; ok || used[p.tr] {
			continue
		}
		matched[p.det] = p.tr
		used[p.tr] = true
	}
	return matched
}

// age increments the miss count of every track not seen this frame and
// evicts the ones past MaxTrackAge.
func (l *Locator) age(seen map[*track]bool, seq uint64) {
	for id, t := range l.tracks {
		if seen[t] {
			continue
		}
		t.missed++
		if t.missed > l.cfg.MaxTrackAge {
			delete(l.tracks, id)
			l.log.Debug("track evicted", "track_id", id, "seq", seq, "missed", t.missed)
		}
	}
}

// live returns the tracks seen on the last detection frame.
func (l *Locator) live() []Face {
	out := make([]Face, 0, len(l.tracks))
	for _, t := range l.tracks {
		if t.missed == 0 {
			out = append(out, t.face)
		}
	}
	sortFaces(out)
	return out
}

// Tracks returns the number of tracks currently held.
func (l *Locator) Tracks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tracks)
}

func smooth(prev, next detector.Landmarks, alpha float32) detector.Landmarks {
	var out detector.Landmarks
	for i := range next {
		switch {
		case !next[i].Valid():
			out[i] = detector.Missing
		case !prev[i].Valid():
			out[i] = next[i]
		default:
			out[i] = detector.Point{
				X: alpha*next[i].X + (1-alpha)*prev[i].X,
				Y: alpha*next[i].Y + (1-alpha)*prev[i].Y,
			}
		}
	}
	return out
}

func sortFaces(faces []Face) {
	sort.SliceStable(faces, func(i, j int) bool { return faces[i].Score > faces[j].Score })
}
