package main

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"github.com/yuin/goldmark"
)

//go:embed static
var embeddedFiles embed.FS

func staticFiles() fs.FS {
	sub, err := fs.Sub(embeddedFiles, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

// renderHelp converts the embedded help page to HTML.
func renderHelp() ([]byte, error) {
	source, err := embeddedFiles.ReadFile("static/help.md")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := goldmark.New().Convert(source, &buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// libraryNames returns the ONNX Runtime file names to look for on this OS.
func libraryNames() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"libonnxruntime.dylib", "libonnxruntime.1.20.0.dylib"}
	case "windows":
		return []string{"onnxruntime.dll"}
	default:
		return []string{"libonnxruntime.so", "libonnxruntime.so.1", "libonnxruntime.so.1.20.0"}
	}
}

// resolveLibrary locates the ONNX Runtime shared library. An explicit path
// wins; otherwise lib/ next to the executable and the working directory are
// searched before leaving it to the system loader.
func resolveLibrary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("%w: %s", ErrRuntimeMissing, configured)
		}
		return configured, nil
	}

	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(exe), "lib"), filepath.Dir(exe))
	}
	dirs = append(dirs, "lib")

	for _, dir := range dirs {
		for _, name := range libraryNames() {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	return libraryNames()[0], nil
}

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// initRuntime initializes the ONNX Runtime environment once per process.
func initRuntime(configured string) error {
	runtimeOnce.Do(func() {
		libPath, err := resolveLibrary(configured)
		if err != nil {
			runtimeErr = err
			return
		}

		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			runtimeErr = fmt.Errorf("%w: %v", ErrRuntimeMissing, err)
			return
		}

		slog.Info("onnx runtime initialized", "library", libPath)
	})

	return runtimeErr
}

func destroyRuntime() {
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

// extractFile writes src to destPath.
func extractFile(src io.Reader, destPath string) error {
	outFile, err := os.Create(destPath)
	if err != nil {
		return err
	}

	if _, err := io.Copy(outFile, src); err != nil {
		outFile.Close()
		return err
	}

	return outFile.Close()
}
