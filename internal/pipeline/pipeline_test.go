package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/compositor"
	"github.com/dudu/facelive/internal/detector"
	"github.com/dudu/facelive/internal/frame"
	"github.com/dudu/facelive/internal/inference"
	"github.com/dudu/facelive/internal/reference"
	"github.com/dudu/facelive/internal/swapper"
	"github.com/dudu/facelive/internal/tracker"
)

func testFrame(seq uint64) *frame.Frame {
	f, _ := frame.New(seq, time.Now(), 4, 4, frame.FormatBGR24, make([]byte, 4*4*3))
	return f
}

// sliceSource yields a fixed list of frames, then io.EOF.
type sliceSource struct {
	mu     sync.Mutex
	frames []*frame.Frame
	next   int
	closed atomic.Bool
}

func newSliceSource(n int) *sliceSource {
	s := &sliceSource{}
	for i := 1; i <= n; i++ {
		s.frames = append(s.frames, testFrame(uint64(i)))
	}
	return s
}

func (s *sliceSource) Read(context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

func (s *sliceSource) Close() error {
	s.closed.Store(true)
	return nil
}

// streamSource produces frames until closed, faster than most sinks.
type streamSource struct {
	seq    atomic.Uint64
	closed atomic.Bool
}

func (s *streamSource) Read(ctx context.Context) (*frame.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(200 * time.Microsecond):
	}
	return testFrame(s.seq.Add(1)), nil
}

func (s *streamSource) Close() error {
	s.closed.Store(true)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	frames []*frame.Frame
	delay  time.Duration
	closed atomic.Bool
}

func (s *recordingSink) Present(f *frame.Frame) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *recordingSink) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Seq
	}
	return out
}

type fixedLocator struct {
	faces  []tracker.Face
	failAt uint64
	err    error
}

func (l *fixedLocator) Locate(f *frame.Frame) ([]tracker.Face, error) {
	if l.failAt != 0 && f.Seq == l.failAt {
		return nil, l.err
	}
	return l.faces, nil
}

// stubSwapper returns one result per face, or reports every face as
// unalignable when failAll is set.
type stubSwapper struct {
	calls   atomic.Int32
	failAll bool
}

func (s *stubSwapper) SwapFrame(_ *frame.Frame, faces []tracker.Face, ref swapper.Reference) ([]*swapper.Result, int, error) {
	s.calls.Add(1)
	if s.failAll {
		return nil, len(faces), nil
	}
	results := make([]*swapper.Result, len(faces))
	for i, face := range faces {
		results[i] = &swapper.Result{TrackID: face.TrackID, RefVersion: ref.Version()}
	}
	return results, 0, nil
}

type markCompositor struct {
	calls atomic.Int32
}

func (c *markCompositor) Composite(f *frame.Frame, _ []*swapper.Result) (*frame.Frame, error) {
	c.calls.Add(1)
	out := f.Clone()
	out.Data[0] = 255
	return out, nil
}

type fixedRefs struct{ face *reference.Face }

func (r fixedRefs) Current() *reference.Face { return r.face }

func oneFace() []tracker.Face {
	return []tracker.Face{{TrackID: uuid.New(), Score: 0.9}}
}

func newPipeline(t *testing.T, cfg Config, st Stages) *Pipeline {
	t.Helper()
	p, err := New(cfg, st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func runToEnd(t *testing.T, p *Pipeline) {
	t.Helper()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestFramesPassThroughUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		faces []tracker.Face
		ref   *reference.Face
	}{
		{name: "no faces", faces: nil, ref: &reference.Face{}},
		{name: "no reference", faces: oneFace(), ref: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSliceSource(5)
			sink := &recordingSink{}
			sw := &stubSwapper{}
			comp := &markCompositor{}
			p := newPipeline(t, Config{QueueCapacity: 8}, Stages{
				Source:     src,
				Locator:    &fixedLocator{faces: tt.faces},
				Swapper:    sw,
				Compositor: comp,
				References: fixedRefs{tt.ref},
				Sink:       sink,
			})
			runToEnd(t, p)

			if len(sink.frames) != 5 {
				t.Fatalf("presented %d frames, want 5", len(sink.frames))
			}
			for i, f := range sink.frames {
				if f != src.frames[i] {
					t.Errorf("frame %d was not passed through", i)
				}
			}
			if sw.calls.Load() != 0 || comp.calls.Load() != 0 {
				t.Errorf("swapper calls %d, compositor calls %d; want 0", sw.calls.Load(), comp.calls.Load())
			}
			if !src.closed.Load() || !sink.closed.Load() {
				t.Error("source and sink should be closed")
			}
			st := p.Stats()
			if st.State != StateStopped || st.Captured != 5 || st.Presented != 5 {
				t.Errorf("stats = %+v", st)
			}
		})
	}
}

func TestAlignmentFailurePassesFaceThrough(t *testing.T) {
	src := newSliceSource(4)
	sink := &recordingSink{}
	comp := &markCompositor{}
	p := newPipeline(t, Config{QueueCapacity: 8}, Stages{
		Source:     src,
		Locator:    &fixedLocator{faces: oneFace()},
		Swapper:    &stubSwapper{failAll: true},
		Compositor: comp,
		References: fixedRefs{&reference.Face{}},
		Sink:       sink,
	})
	runToEnd(t, p)

	if len(sink.frames) != 4 {
		t.Fatalf("presented %d frames, want 4", len(sink.frames))
	}
	for i, f := range sink.frames {
		if f != src.frames[i] {
			t.Errorf("frame %d was modified", i)
		}
	}
	if got := p.Stats().SwapFailures; got != 4 {
		t.Errorf("SwapFailures = %d, want 4", got)
	}
	if comp.calls.Load() != 0 {
		t.Error("compositor called without results")
	}
}

func TestSwappedFramesAreComposited(t *testing.T) {
	sink := &recordingSink{}
	p := newPipeline(t, Config{QueueCapacity: 8}, Stages{
		Source:     newSliceSource(3),
		Locator:    &fixedLocator{faces: oneFace()},
		Swapper:    &stubSwapper{},
		Compositor: &markCompositor{},
		References: fixedRefs{&reference.Face{}},
		Sink:       sink,
	})
	runToEnd(t, p)

	for _, f := range sink.frames {
		if f.Data[0] != 255 {
			t.Errorf("frame %d not composited", f.Seq)
		}
	}
}

func TestBackpressureDropsOldest(t *testing.T) {
	src := &streamSource{}
	sink := &recordingSink{delay: 5 * time.Millisecond}
	p := newPipeline(t, Config{QueueCapacity: 2, PollInterval: time.Millisecond}, Stages{
		Source:     src,
		Locator:    &fixedLocator{faces: oneFace()},
		Swapper:    &stubSwapper{},
		Compositor: &markCompositor{},
		References: fixedRefs{&reference.Face{}},
		Sink:       sink,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 30; i++ {
		for _, q := range p.Stats().Queues {
			if q.Len > q.Cap {
				t.Fatalf("queue %s holds %d > %d", q.Name, q.Len, q.Cap)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop deadlocked")
	}

	st := p.Stats()
	if st.Dropped == 0 {
		t.Error("expected drops under overload")
	}
	if st.Captured != st.Presented+st.Dropped+st.Late+st.Discarded {
		t.Errorf("frames unaccounted for: %+v", st)
	}

	seqs := sink.seqs()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("presentation went backwards: %d after %d", seqs[i], seqs[i-1])
		}
	}
}

func TestPresentDropsLateFrames(t *testing.T) {
	sink := &recordingSink{}
	p := newPipeline(t, Config{QueueCapacity: 4}, Stages{
		Source:     newSliceSource(0),
		Locator:    &fixedLocator{},
		Swapper:    &stubSwapper{},
		Compositor: &markCompositor{},
		References: fixedRefs{},
		Sink:       sink,
	})
	for _, seq := range []uint64{3, 1, 4, 2} {
		p.toPresent.Push(testFrame(seq))
	}
	p.toPresent.Close()

	if err := p.present(context.Background()); err != nil {
		t.Fatalf("present: %v", err)
	}
	got := sink.seqs()
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("presented %v, want [3 4]", got)
	}
	if p.Stats().Late != 2 {
		t.Errorf("Late = %d, want 2", p.Stats().Late)
	}
}

func TestStateTransitions(t *testing.T) {
	p := newPipeline(t, Config{}, Stages{
		Source:     &streamSource{},
		Locator:    &fixedLocator{},
		Swapper:    &stubSwapper{},
		Compositor: &markCompositor{},
		References: fixedRefs{},
		Sink:       &recordingSink{},
	})
	if p.State() != StateIdle {
		t.Fatalf("initial state %s", p.State())
	}
	if err := p.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop from idle: %v", err)
	}
	if err := p.Wait(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Wait from idle: %v", err)
	}
	if p.Ready() == nil {
		t.Error("Ready while idle")
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != StateRunning || p.Ready() != nil {
		t.Errorf("state after Start: %s", p.State())
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Start: %v", err)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.State() != StateStopped {
		t.Errorf("state after Stop: %s", p.State())
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start after Stop: %v", err)
	}
}

func TestFatalErrorStopsRun(t *testing.T) {
	boom := &inference.InferenceError{Model: "scrfd", Err: errors.New("device lost")}
	src := &streamSource{}
	p := newPipeline(t, Config{}, Stages{
		Source:     src,
		Locator:    &fixedLocator{failAt: 3, err: boom},
		Swapper:    &stubSwapper{},
		Compositor: &markCompositor{},
		References: fixedRefs{},
		Sink:       &recordingSink{},
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := p.Wait()
	var ie *inference.InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("Wait = %v, want the inference error", err)
	}
	if p.State() != StateStopped || !src.closed.Load() {
		t.Errorf("state %s, source closed %v", p.State(), src.closed.Load())
	}
}

func TestStopAfterRunEndedReturnsRunError(t *testing.T) {
	boom := &inference.InferenceError{Model: "scrfd", Err: errors.New("device lost")}
	tests := []struct {
		name    string
		source  Source
		locator *fixedLocator
		want    error
	}{
		{"source exhausted", newSliceSource(3), &fixedLocator{}, nil},
		{"stage failed", &streamSource{}, &fixedLocator{failAt: 2, err: boom}, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, Config{}, Stages{
				Source:     tt.source,
				Locator:    tt.locator,
				Swapper:    &stubSwapper{},
				Compositor: &markCompositor{},
				References: fixedRefs{},
				Sink:       &recordingSink{},
			})
			if err := p.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			select {
			case <-p.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("pipeline did not finish")
			}

			err := p.Stop()
			if tt.want == nil && err != nil {
				t.Errorf("Stop = %v, want nil", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Stop = %v, want %v", err, tt.want)
			}
			if errors.Is(err, ErrInvalidState) {
				t.Errorf("Stop after the run ended reported %v", err)
			}
		})
	}
}

func TestCancelStartContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newPipeline(t, Config{}, Stages{
		Source:     &streamSource{},
		Locator:    &fixedLocator{},
		Swapper:    &stubSwapper{},
		Compositor: &markCompositor{},
		References: fixedRefs{},
		Sink:       &recordingSink{},
	})
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := p.Wait(); err != nil {
		t.Errorf("Wait after cancel = %v, want nil", err)
	}
}

func TestStopAfterGraceDiscards(t *testing.T) {
	sink := &recordingSink{delay: 30 * time.Millisecond}
	p := newPipeline(t, Config{DrainGrace: 5 * time.Millisecond, PollInterval: time.Millisecond}, Stages{
		Source:     &streamSource{},
		Locator:    &fixedLocator{},
		Swapper:    &stubSwapper{},
		Compositor: &markCompositor{},
		References: fixedRefs{},
		Sink:       sink,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Stop took %v", time.Since(start))
	}
	st := p.Stats()
	if st.State != StateStopped {
		t.Errorf("state %s", st.State)
	}
	if st.Captured != st.Presented+st.Dropped+st.Late+st.Discarded {
		t.Errorf("frames unaccounted for: %+v", st)
	}
}

func TestNewRequiresStages(t *testing.T) {
	if _, err := New(Config{}, Stages{}); err == nil {
		t.Error("expected error for missing stages")
	}
}

// End to end with the real locator, swap engine, compositor and reference
// manager; only the models and I/O are faked.

type faceDetector struct {
	offset float32
}

func (d *faceDetector) Detect(f *frame.Frame) ([]detector.Detection, error) {
	tpl := swapper.ArcFaceTemplate(swapper.InswapperSize)
	shift := d.offset + float32(f.Seq%3)
	var lm detector.Landmarks
	for i, p := range tpl.Points {
		lm[i] = detector.Point{X: p.X + shift, Y: p.Y + d.offset}
	}
	return []detector.Detection{{
		Box:       detector.BoundingBox{X1: shift, Y1: d.offset, X2: shift + 128, Y2: d.offset + 128},
		Landmarks: lm,
		Score:     0.95,
	}}, nil
}

type countingEncoder struct {
	calls atomic.Int32
}

func (e *countingEncoder) EncodeFace(gocv.Mat, detector.Landmarks) (*swapper.Embedding, error) {
	e.calls.Add(1)
	var emb swapper.Embedding
	emb[0] = 1
	return &emb, nil
}

// greyModel answers every inswapper call with a flat mid-grey face.
type greyModel struct{}

func (greyModel) Run([]inference.Tensor) ([]inference.Tensor, error) {
	n := swapper.InswapperSize
	out := make([]float32, 3*n*n)
	for i := range out {
		out[i] = 0.8
	}
	return []inference.Tensor{{Shape: []int64{1, 3, int64(n), int64(n)}, Data: out}}, nil
}

func (greyModel) Close() error { return nil }

// trackRecorder wraps the engine to note which tracks and reference
// versions each frame was swapped with.
type trackRecorder struct {
	inner    Swapper
	mu       sync.Mutex
	tracks   map[uuid.UUID]int
	versions map[uint64]int
}

func (r *trackRecorder) SwapFrame(f *frame.Frame, faces []tracker.Face, ref swapper.Reference) ([]*swapper.Result, int, error) {
	results, failed, err := r.inner.SwapFrame(f, faces, ref)
	r.mu.Lock()
	for _, res := range results {
		r.tracks[res.TrackID]++
		r.versions[res.RefVersion]++
	}
	r.mu.Unlock()
	return results, failed, err
}

func TestEndToEndSingleIdentity(t *testing.T) {
	const size = 192
	var frames []*frame.Frame
	for i := 1; i <= 10; i++ {
		data := make([]byte, size*size*3)
		for j := range data {
			data[j] = 40
		}
		f, err := frame.New(uint64(i), time.Now(), size, size, frame.FormatBGR24, data)
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, f)
	}
	src := &sliceSource{frames: frames}

	enc := &countingEncoder{}
	refs := reference.NewManager(&faceDetector{offset: 20}, enc)
	if err := refs.SetReference(context.Background(), frames[0]); err != nil {
		t.Fatalf("SetReference: %v", err)
	}

	loc := tracker.NewLocator(&faceDetector{offset: 30}, tracker.Config{
		Threshold:   0.5,
		MatchRadius: 20,
		MaxTrackAge: 3,
		Smoothing:   1,
	}, nil)
	rec := &trackRecorder{
		inner:    swapper.NewEngine(swapper.NewInswapper(greyModel{}), nil, nil),
		tracks:   map[uuid.UUID]int{},
		versions: map[uint64]int{},
	}
	sink := &recordingSink{}

	p := newPipeline(t, Config{QueueCapacity: 16}, Stages{
		Source:     src,
		Locator:    loc,
		Swapper:    rec,
		Compositor: compositor.New(compositor.Config{BlendStrength: 1, Feather: 8}),
		References: refs,
		Sink:       sink,
	})
	runToEnd(t, p)

	if len(sink.frames) != 10 {
		t.Fatalf("presented %d frames, want 10", len(sink.frames))
	}
	if len(rec.tracks) != 1 {
		t.Errorf("saw %d track IDs, want 1", len(rec.tracks))
	}
	for id, n := range rec.tracks {
		if n != 10 {
			t.Errorf("track %s swapped %d times, want 10", id, n)
		}
	}
	if enc.calls.Load() != 1 || refs.Encodes() != 1 {
		t.Errorf("embeddings computed %d times, want 1", enc.calls.Load())
	}
	if len(rec.versions) != 1 || rec.versions[1] != 10 {
		t.Errorf("reference versions used: %v", rec.versions)
	}

	// The nose sits at the centre of the mask, where the grey patch
	// replaces the background.
	nose := swapper.ArcFaceTemplate(swapper.InswapperSize).Points[detector.Nose]
	x, y := int(nose.X)+31, int(nose.Y)+30
	for _, f := range sink.frames {
		if px := f.Data[(y*size+x)*3]; px == 40 {
			t.Errorf("frame %d: face not swapped at nose", f.Seq)
		}
	}
	for i, f := range frames {
		if f.Data[0] != 40 {
			t.Errorf("input frame %d was mutated", i+1)
		}
	}
}

// pausingSwapper swaps faces one at a time and, on frame pauseAt, blocks
// after the first face until resume is closed. It records the reference
// version of every result per frame.
type pausingSwapper struct {
	pauseAt uint64
	paused  chan struct{}
	resume  chan struct{}

	mu       sync.Mutex
	versions map[uint64][]uint64
}

func (s *pausingSwapper) SwapFrame(f *frame.Frame, faces []tracker.Face, ref swapper.Reference) ([]*swapper.Result, int, error) {
	var results []*swapper.Result
	for i, face := range faces {
		if f.Seq == s.pauseAt && i == 1 {
			close(s.paused)
			<-s.resume
		}
		results = append(results, &swapper.Result{TrackID: face.TrackID, RefVersion: ref.Version()})
	}
	s.mu.Lock()
	for _, r := range results {
		s.versions[f.Seq] = append(s.versions[f.Seq], r.RefVersion)
	}
	s.mu.Unlock()
	return results, 0, nil
}

func TestReferenceSwapMidFrameKeepsFrameConsistent(t *testing.T) {
	refs := reference.NewManager(&faceDetector{offset: 20}, &countingEncoder{})
	ctx := context.Background()
	if err := refs.SetReference(ctx, testFrame(1)); err != nil {
		t.Fatalf("SetReference: %v", err)
	}

	sw := &pausingSwapper{
		pauseAt:  3,
		paused:   make(chan struct{}),
		resume:   make(chan struct{}),
		versions: map[uint64][]uint64{},
	}
	rec := &trackRecorder{inner: sw, tracks: map[uuid.UUID]int{}, versions: map[uint64]int{}}
	sink := &recordingSink{}
	faces := []tracker.Face{
		{TrackID: uuid.New(), Score: 0.9},
		{TrackID: uuid.New(), Score: 0.8},
	}
	p := newPipeline(t, Config{QueueCapacity: 16}, Stages{
		Source:     newSliceSource(8),
		Locator:    &fixedLocator{faces: faces},
		Swapper:    rec,
		Compositor: &markCompositor{},
		References: refs,
		Sink:       sink,
	})
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-sw.paused:
	case <-time.After(5 * time.Second):
		t.Fatal("swap never reached frame 3")
	}
	if err := refs.SetReference(ctx, testFrame(2)); err != nil {
		t.Fatalf("SetReference while swapping: %v", err)
	}
	close(sw.resume)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if len(sw.versions) != 8 {
		t.Fatalf("swapped %d frames, want 8", len(sw.versions))
	}
	var last uint64
	for seq := uint64(1); seq <= 8; seq++ {
		vs := sw.versions[seq]
		if len(vs) != 2 || vs[0] != vs[1] {
			t.Errorf("frame %d mixed reference versions %v", seq, vs)
			continue
		}
		if vs[0] < last {
			t.Errorf("frame %d used version %d after version %d", seq, vs[0], last)
		}
		last = vs[0]

		want := uint64(1)
		if seq > 3 {
			want = 2
		}
		if vs[0] != want {
			t.Errorf("frame %d used version %d, want %d", seq, vs[0], want)
		}
	}
	if rec.versions[1] != 6 || rec.versions[2] != 10 {
		t.Errorf("reference versions used: %v", rec.versions)
	}
	if got := sink.seqs(); len(got) != 8 {
		t.Errorf("presented %v, want all 8 frames", got)
	}
}
