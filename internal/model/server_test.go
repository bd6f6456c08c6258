package model

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Brownie44l1/imgclf-api/internal/preprocess"
)

type fakeSession struct {
	mu     sync.Mutex
	logits []float32
	err    error
	inputs [][]float32
	closed bool
}

func (f *fakeSession) Run(input []float32) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, append([]float32(nil), input...))
	if f.err != nil {
		return nil, f.err
	}
	return f.logits, nil
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	devices  []string
	logits   []float32
	err      error
}

func (f *fakeFactory) open(_ string, _ *Metadata, device string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{logits: f.logits}
	f.sessions = append(f.sessions, s)
	f.devices = append(f.devices, device)
	return s, nil
}

func (f *fakeFactory) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeFactory, string) {
	t.Helper()
	dir := t.TempDir()
	metaPath := writeFile(t, dir, "meta.json", jsonMetadata)
	modelPath := writeFile(t, dir, "model.onnx", "weights")

	f := &fakeFactory{logits: []float32{0.5, 4, 1}}
	s, err := NewServer(modelPath, metaPath, append([]Option{WithSessionFactory(f.open)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s, f, dir
}

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 6))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.Black)

	p := filepath.Join(dir, "face.png")
	fp, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()
	if err := png.Encode(fp, img); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewServerIsLazy(t *testing.T) {
	s, f, _ := newTestServer(t)

	if s.Loaded() || f.opened() != 0 {
		t.Fatal("model loaded before first use")
	}

	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if !s.Loaded() || f.opened() != 1 {
		t.Errorf("expected exactly one load, got %d", f.opened())
	}
}

func TestNewServerDevice(t *testing.T) {
	if _, err := NewServer("m", "md", WithDevice("tpu")); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}

	s, f, _ := newTestServer(t, WithDevice("cuda:1"))
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if f.devices[0] != "cuda:1" {
		t.Errorf("device = %q", f.devices[0])
	}
}

func TestParseDevice(t *testing.T) {
	for _, tc := range []struct {
		in   string
		kind string
		id   int
		ok   bool
	}{
		{"", "cpu", 0, true},
		{"CPU", "cpu", 0, true},
		{"cuda", "cuda", 0, true},
		{"gpu", "cuda", 0, true},
		{"cuda:2", "cuda", 2, true},
		{"cuda:x", "", 0, false},
		{"cuda:-1", "", 0, false},
		{"mps", "", 0, false},
	} {
		kind, id, err := ParseDevice(tc.in)
		if tc.ok != (err == nil) || kind != tc.kind || id != tc.id {
			t.Errorf("ParseDevice(%q) = %q, %d, %v", tc.in, kind, id, err)
		}
	}
}

func TestSingleRunFromPath(t *testing.T) {
	s, f, dir := newTestServer(t)

	res, err := s.SingleRun(context.Background(), RunRequest{InputPath: writePNG(t, dir)})
	if err != nil {
		t.Fatal(err)
	}

	got, ok := res.Result.([]string)
	if !ok || len(got) != 2 || got[0] != "dog" {
		t.Fatalf("Result = %#v", res.Result)
	}
	if want := Softmax(f.logits)[1]; got[1] != (&Prediction{Confidence: want}).Result()[1] {
		t.Errorf("confidence = %q", got[1])
	}
	if in := f.sessions[0].inputs[0]; len(in) != 3*4*4 {
		t.Errorf("input len = %d", len(in))
	}
}

func TestSingleRunFromBase64(t *testing.T) {
	s, _, _ := newTestServer(t)

	b64, err := preprocess.BlankPNGBase64()
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.SingleRun(context.Background(), RunRequest{InputImage: b64})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Result.([]string); got[0] != "dog" {
		t.Errorf("Result = %v", got)
	}
}

func TestSingleRunPreLoad(t *testing.T) {
	s, f, _ := newTestServer(t)

	res, err := s.Warmup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != LoadedMessage {
		t.Errorf("Result = %v", res.Result)
	}
	if !s.Loaded() || len(f.sessions[0].inputs) != 1 {
		t.Error("warm-up did not run a forward pass")
	}
	for _, v := range f.sessions[0].inputs[0] {
		if v != 0 {
			t.Fatalf("warm-up input not blank: %v", v)
		}
	}
}

func TestSingleRunInputErrors(t *testing.T) {
	s, f, dir := newTestServer(t)

	for name, tc := range map[string]struct {
		req  RunRequest
		want error
	}{
		"nothing":          {RunRequest{}, ErrNoInput},
		"both":             {RunRequest{InputPath: "a", InputImage: "b"}, ErrAmbiguousInput},
		"preload and path": {RunRequest{PreLoad: true, InputPath: "a"}, ErrPreLoadWithInput},
		"preload and b64":  {RunRequest{PreLoad: true, InputImage: "b"}, ErrPreLoadWithInput},
		"missing file":     {RunRequest{InputPath: filepath.Join(dir, "nope.jpg")}, preprocess.ErrImageNotFound},
		"bad base64":       {RunRequest{InputImage: "%%%"}, preprocess.ErrInvalidImage},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := s.SingleRun(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if f.opened() > 1 {
		t.Errorf("model opened %d times", f.opened())
	}
}

func TestSingleRunCancelled(t *testing.T) {
	s, _, dir := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.SingleRun(ctx, RunRequest{InputPath: writePNG(t, dir)}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPredict(t *testing.T) {
	s, _, _ := newTestServer(t)

	if _, err := s.Predict(make([]float32, 5)); !errors.Is(err, ErrInputSize) {
		t.Errorf("expected ErrInputSize, got %v", err)
	}

	pred, err := s.Predict(make([]float32, 48))
	if err != nil {
		t.Fatal(err)
	}
	if pred.Class != "dog" || len(pred.Predictions) != 3 {
		t.Errorf("prediction = %+v", pred)
	}
}

func TestPredictImage(t *testing.T) {
	s, f, _ := newTestServer(t)

	pred, err := s.PredictImage(preprocess.Blank(20, 20))
	if err != nil {
		t.Fatal(err)
	}
	if pred.Class != "dog" {
		t.Errorf("Class = %q", pred.Class)
	}
	if len(f.sessions[0].inputs[0]) != 48 {
		t.Errorf("input len = %d", len(f.sessions[0].inputs[0]))
	}
}

func TestSessionErrors(t *testing.T) {
	s, f, _ := newTestServer(t)
	f.err = errors.New("no onnxruntime")

	if _, err := s.Predict(make([]float32, 48)); err == nil || err.Error() != "no onnxruntime" {
		t.Errorf("expected factory error, got %v", err)
	}
	if s.Loaded() {
		t.Error("server marked loaded after failure")
	}

	f.err = nil
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	f.sessions[0].err = errors.New("boom")
	if _, err := s.Predict(make([]float32, 48)); err == nil {
		t.Error("expected run error")
	}
}

func TestResetReloads(t *testing.T) {
	s, f, _ := newTestServer(t)

	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	s.Reset()
	if s.Loaded() {
		t.Fatal("still loaded after Reset")
	}
	if !f.sessions[0].closed {
		t.Error("session not closed on Reset")
	}

	if _, err := s.Metadata(); err != nil {
		t.Fatal(err)
	}
	if f.opened() != 2 {
		t.Errorf("opened = %d, want 2", f.opened())
	}
}

func TestWatchResetsOnChange(t *testing.T) {
	s, _, dir := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Watch(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	// unrelated files do not trigger a reload
	writeFile(t, dir, "notes.txt", "hello")
	time.Sleep(100 * time.Millisecond)
	if !s.Loaded() {
		t.Fatal("reset on unrelated file")
	}

	writeFile(t, dir, "model.onnx", "new weights")

	deadline := time.Now().Add(5 * time.Second)
	for s.Loaded() {
		if time.Now().After(deadline) {
			t.Fatal("model not reset after checkpoint change")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
