// Command classify runs the model on image files from the command line.
//
//	classify [flags] <image>...
//	classify -preload
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/Brownie44l1/imgclf-api/internal/config"
	"github.com/Brownie44l1/imgclf-api/internal/lgr"
	"github.com/Brownie44l1/imgclf-api/internal/model"
	"github.com/Brownie44l1/imgclf-api/internal/preprocess"
)

type options struct {
	modelPath    string
	metadataPath string
	ortLib       string
	device       string
	preLoad      bool
	jsonOut      bool
	logLevel     string
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}

	root, err := config.ProjectRoot()
	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
	cfg, err := config.Load(root)
	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}

	opts := options{}
	flag.StringVar(&opts.modelPath, "model", cfg.ModelPath, "path to the ONNX model")
	flag.StringVar(&opts.metadataPath, "metadata", cfg.MetadataPath, "path to the model metadata (json or yaml)")
	flag.StringVar(&opts.ortLib, "ort-lib", cfg.ORTLibPath, "path to the onnxruntime shared library")
	flag.StringVar(&opts.device, "device", cfg.Device, "cpu, cuda or cuda:<id>")
	flag.BoolVar(&opts.preLoad, "preload", false, "only load the model and run a blank image")
	flag.BoolVar(&opts.jsonOut, "json", false, "print raw JSON payloads")
	flag.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")
	flag.Parse()

	lgr.Logger = lgr.New(os.Stderr, opts.logLevel)
	preprocess.MaxPixels = cfg.MaxImagePixels

	modelServer, err := model.NewServer(opts.modelPath, opts.metadataPath,
		model.WithDevice(opts.device),
		model.WithSessionFactory(model.ONNXSessionFactory(opts.ortLib)),
	)
	if err != nil {
		color.Red("error: %v", err)
		os.Exit(2)
	}

	code := run(context.Background(), modelServer, opts, flag.Args(), os.Stdout)

	modelServer.Close()
	model.ShutdownRuntime()
	os.Exit(code)
}

// run classifies every path and returns the exit code: 0 when all images
// were classified, 1 when any failed, 2 on usage errors.
func run(ctx context.Context, s *model.Server, opts options, paths []string, out io.Writer) int {
	if opts.preLoad {
		if len(paths) > 0 {
			fmt.Fprintln(out, color.RedString("error: -preload does not take images"))
			return 2
		}
		res, err := s.Warmup(ctx)
		if err != nil {
			fmt.Fprintln(out, color.RedString("error: %v", err))
			return 1
		}
		if err := printResult(out, opts.jsonOut, "", res); err != nil {
			fmt.Fprintln(out, color.RedString("error: %v", err))
			return 1
		}
		return 0
	}

	if len(paths) == 0 {
		fmt.Fprintln(out, color.RedString("usage: classify [flags] <image>..."))
		return 2
	}

	code := 0
	for _, p := range paths {
		res, err := s.SingleRun(ctx, model.RunRequest{InputPath: p})
		if err != nil {
			fmt.Fprintf(out, "%s: %s\n", p, color.RedString("%v", err))
			code = 1
			continue
		}
		if err := printResult(out, opts.jsonOut, p, res); err != nil {
			fmt.Fprintf(out, "%s: %s\n", p, color.RedString("%v", err))
			code = 1
		}
	}
	return code
}

func printResult(out io.Writer, jsonOut bool, path string, res *model.RunResult) error {
	if jsonOut {
		payload := map[string]any{"result": res.Result}
		if path != "" {
			payload["path"] = path
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintln(out, string(b))
		return nil
	}

	pair, ok := res.Result.([]string)
	if !ok {
		fmt.Fprintln(out, color.GreenString("%v", res.Result))
		return nil
	}
	fmt.Fprintf(out, "%s: %s (%s)\n", path, color.New(color.FgGreen, color.Bold).Sprint(pair[0]), color.CyanString(pair[1]))
	return nil
}
