// Command depscheck enforces the layering between hub packages. The gateway
// and transports talk to the orchestrator only through the bus.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePath = "glass-frontier/hub"

type packageInfo struct {
	ImportPath string
	Imports    []string
}

type rule struct {
	// Pattern is passed to go list.
	Pattern   string
	Forbidden []string
}

var rules = []rule{
	{Pattern: "./internal/gateway/...", Forbidden: []string{modulePath + "/internal/orchestrator"}},
	{Pattern: "./internal/net/...", Forbidden: []string{modulePath + "/internal/orchestrator", modulePath + "/internal/bus"}},
	{Pattern: "./internal/bus/...", Forbidden: []string{modulePath + "/internal/gateway", modulePath + "/internal/orchestrator"}},
	{Pattern: "./internal/catalog/...", Forbidden: []string{modulePath + "/internal/storage"}},
}

func main() {
	var all []string
	for _, r := range rules {
		pkgs, err := listPackages(r.Pattern)
		if err != nil {
			fmt.Fprintf(os.Stderr, "depscheck: %v\n", err)
			os.Exit(1)
		}
		all = append(all, violations(pkgs, r.Forbidden)...)
	}

	if len(all) > 0 {
		sort.Strings(all)
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range all {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func listPackages(pattern string) ([]packageInfo, error) {
	cmd := exec.Command("go", "list", "-json", pattern)
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Stderr.Write(exitErr.Stderr)
		}
		return nil, fmt.Errorf("failed to list %s: %w", pattern, err)
	}
	return decodePackages(output)
}

func decodePackages(output []byte) ([]packageInfo, error) {
	decoder := json.NewDecoder(bytes.NewReader(output))
	var pkgs []packageInfo
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				return pkgs, nil
			}
			return nil, fmt.Errorf("failed to decode package info: %w", err)
		}
		pkgs = append(pkgs, pkg)
	}
}

// violations reports imports of a forbidden package or any of its subpackages.
func violations(pkgs []packageInfo, forbidden []string) []string {
	var out []string
	for _, pkg := range pkgs {
		for _, imp := range pkg.Imports {
			for _, prefix := range forbidden {
				if imp == prefix || strings.HasPrefix(imp, prefix+"/") {
					out = append(out, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
				}
			}
		}
	}
	return out
}
