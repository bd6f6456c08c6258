package main

import (
	"bytes"
	"context"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/Brownie44l1/imgclf-api/internal/model"
	"github.com/Brownie44l1/imgclf-api/internal/preprocess"
)

type fakeSession struct{}

func (fakeSession) Run([]float32) ([]float32, error) { return []float32{3, 0}, nil }
func (fakeSession) Close()                           {}

func newServer(t *testing.T) (*model.Server, string) {
	t.Helper()
	color.NoColor = true

	dir := t.TempDir()
	meta := filepath.Join(dir, "meta.yaml")
	content := "input_shape: [1, 3, 8, 8]\noutput_shape: [1, 2]\nclasses: [cat, dog]\n"
	if err := os.WriteFile(meta, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := model.NewServer(filepath.Join(dir, "model.onnx"), meta,
		model.WithSessionFactory(func(string, *model.Metadata, string) (model.Session, error) {
			return fakeSession{}, nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s, dir
}

func writeImage(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, preprocess.Blank(12, 12)); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunClassifiesFiles(t *testing.T) {
	s, dir := newServer(t)
	img := writeImage(t, dir, "a.png")
	missing := filepath.Join(dir, "b.png")

	var out bytes.Buffer
	code := run(context.Background(), s, options{}, []string{img, missing}, &out)

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("output = %q", out.String())
	}
	if lines[0] != img+": cat (0.95)" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "could not find file") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestRunJSON(t *testing.T) {
	s, dir := newServer(t)
	img := writeImage(t, dir, "a.png")

	var out bytes.Buffer
	if code := run(context.Background(), s, options{jsonOut: true}, []string{img}, &out); code != 0 {
		t.Fatalf("exit code = %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), `"result":["cat","0.95"]`) {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunPreLoad(t *testing.T) {
	s, _ := newServer(t)

	var out bytes.Buffer
	if code := run(context.Background(), s, options{preLoad: true}, nil, &out); code != 0 {
		t.Fatalf("exit code = %d: %s", code, out.String())
	}
	if strings.TrimSpace(out.String()) != model.LoadedMessage {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	if code := run(context.Background(), s, options{preLoad: true}, []string{"x.png"}, &out); code != 2 {
		t.Errorf("preload with images: exit code = %d", code)
	}
}

func TestRunUsage(t *testing.T) {
	s, _ := newServer(t)

	var out bytes.Buffer
	if code := run(context.Background(), s, options{}, nil, &out); code != 2 {
		t.Errorf("exit code = %d", code)
	}
	if !strings.Contains(out.String(), "usage") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPrintResultEncodeFailure(t *testing.T) {
	var out bytes.Buffer
	err := printResult(&out, true, "a.png", &model.RunResult{Result: math.NaN()})
	if err == nil {
		t.Fatal("expected an encoding error")
	}
	if out.Len() != 0 {
		t.Errorf("output = %q, want nothing", out.String())
	}

	if err := printResult(&out, false, "", &model.RunResult{Result: math.NaN()}); err != nil {
		t.Errorf("plain output: %v", err)
	}
}
