package payloads

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/yungbote/batchd/internal/jobs/runtime"
)

// RegisterAll installs the built-in payloads. They double as smoke tests for
// a fresh node: enqueue "demo.echo" or "demo.sleep" and watch the lifecycle.
func RegisterAll(r *runtime.Registry) error {
	if err := r.Register("demo.echo", runtime.PayloadFunc(Echo)); err != nil {
		return err
	}
	if err := r.Register("demo.sleep", runtime.PayloadFunc(Sleep)); err != nil {
		return err
	}
	return nil
}

// Echo writes its parameter map to stdout and to a deliverable.
func Echo(jc *runtime.Context) error {
	params := jc.Parameters()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := filepath.Join(jc.WorkDir(), "echo.txt")
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintf(f, "%s=%s\n", k, params[k])
		fmt.Fprintf(jc.Stdout(), "%s=%s\n", k, params[k])
	}
	if err := f.Close(); err != nil {
		return err
	}
	if _, err := jc.AddDeliverable(out, "echo.txt"); err != nil {
		return err
	}
	return jc.SendMessage(fmt.Sprintf("echoed %d parameters", len(keys)))
}

// Sleep sleeps for durationMs in one-second slices, yielding and reporting
// progress between slices. Kill requests interrupt it at the next slice.
func Sleep(jc *runtime.Context) error {
	totalMs := 10000
	if v, ok := jc.Parameters()["durationMs"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("durationMs: %w", err)
		}
		totalMs = n
	}
	slice := 1000
	for elapsed := 0; elapsed < totalMs; elapsed += slice {
		if err := jc.Yield(); err != nil {
			return err
		}
		step := slice
		if totalMs-elapsed < slice {
			step = totalMs - elapsed
		}
		time.Sleep(time.Duration(step) * time.Millisecond)
		if err := jc.SendProgress(100 * (elapsed + step) / totalMs); err != nil {
			return err
		}
	}
	return nil
}
