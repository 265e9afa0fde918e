// Package assets holds files compiled into the binary, such as the starter
// flow that init writes next to a fresh config.
package assets

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed flows
var flowsFS embed.FS

// StarterFlow returns the embedded starter flow document.
func StarterFlow() []byte {
	data, err := flowsFS.ReadFile("flows/starter.yaml")
	if err != nil {
		panic("assets: starter flow missing from build: " + err.Error())
	}
	return data
}

// WriteStarterFlow writes the starter flow to path unless a file is already
// there. It reports whether it wrote anything.
func WriteStarterFlow(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("creating flow directory: %w", err)
	}
	if err := os.WriteFile(path, StarterFlow(), 0644); err != nil {
		return false, fmt.Errorf("writing starter flow: %w", err)
	}
	return true, nil
}
