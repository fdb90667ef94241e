// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command coldctl is a small operator tool dispatching on an argv
// subcommand. It never writes to a store root: both of its
// subcommands are read-only introspection over the on-disk
// layout.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/coldmount/store/config"
	"github.com/coldmount/store/segment"
)

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "stat":
		runStat(os.Args[2:])
	case "compact-check":
		runCompactCheck(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "coldctl: unknown sub-command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: coldctl <sub-command> [flags]

sub-commands:
  stat           list cores, schemas, segments and WAL shard counts
  compact-check  report any segment directories still carrying a lock file`)
}

// rootFromFlags parses a -config or -root flag shared by both
// sub-commands; -root overrides the root embedded in -config so
// the tool is usable without a config file at all.
func rootFromFlags(args []string) string {
	fs := pflag.NewFlagSet("coldctl", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to a coldmount YAML config file")
	rootPath := fs.String("root", "", "storage root (overrides -config's root)")
	fs.Parse(args)

	if *rootPath != "" {
		return *rootPath
	}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			exitf("coldctl: %s\n", err)
		}
		return cfg.Root
	}
	exitf("coldctl: one of -root or -config is required\n")
	return ""
}

// coreDirs returns every vcpuK subdirectory of root, sorted by K.
func coreDirs(root string) []string {
	ents, err := os.ReadDir(root)
	if err != nil {
		exitf("coldctl: reading %s: %s\n", root, err)
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() && strings.HasPrefix(e.Name(), "vcpu") {
			out = append(out, e.Name())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ni, _ := strconv.Atoi(strings.TrimPrefix(out[i], "vcpu"))
		nj, _ := strconv.Atoi(strings.TrimPrefix(out[j], "vcpu"))
		return ni < nj
	})
	return out
}

func schemaDirs(coreDir string) []string {
	ents, err := os.ReadDir(coreDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func segmentDirs(schemaDir string) []string {
	ents, err := os.ReadDir(filepath.Join(schemaDir, "flush"))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() && strings.HasPrefix(e.Name(), "f") {
			out = append(out, e.Name())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ni, _ := strconv.Atoi(strings.TrimPrefix(out[i], "f"))
		nj, _ := strconv.Atoi(strings.TrimPrefix(out[j], "f"))
		return ni < nj
	})
	return out
}

func logShardCount(schemaDir string) int {
	ents, err := os.ReadDir(filepath.Join(schemaDir, "logs"))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range ents {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "s") {
			n++
		}
	}
	return n
}

func runStat(args []string) {
	root := rootFromFlags(args)
	cores := coreDirs(root)
	if len(cores) == 0 {
		fmt.Printf("%s: no vcpu* directories found\n", root)
		return
	}
	for _, core := range cores {
		coreDir := filepath.Join(root, core)
		fmt.Printf("%s\n", core)
		for _, sid := range schemaDirs(coreDir) {
			schemaDir := filepath.Join(coreDir, sid)
			segs := segmentDirs(schemaDir)
			shards := logShardCount(schemaDir)
			fmt.Printf("  [%s] %d segment(s), %d WAL shard(s)\n", sid, len(segs), shards)
			for _, s := range segs {
				segDir := filepath.Join(schemaDir, "flush", s)
				if m, err := segment.ReadManifest(segDir); err == nil {
					fmt.Printf("    %s: %d partition(s), data=%dB index=%dB filter=%dB\n",
						s, m.Partitions, m.DataBytes, m.IndexBytes, m.FilterBytes)
				} else {
					fmt.Printf("    %s: (no manifest: %s)\n", s, err)
				}
			}
		}
	}
}

func runCompactCheck(args []string) {
	root := rootFromFlags(args)
	bad := 0
	for _, core := range coreDirs(root) {
		coreDir := filepath.Join(root, core)
		for _, sid := range schemaDirs(coreDir) {
			schemaDir := filepath.Join(coreDir, sid)
			for _, s := range segmentDirs(schemaDir) {
				segDir := filepath.Join(schemaDir, "flush", s)
				lockPath := filepath.Join(segDir, "lock")
				if _, err := os.Stat(lockPath); err == nil {
					fmt.Printf("CORRUPT %s/%s/%s: lock file present (should have been deleted on restart)\n", core, sid, s)
					bad++
				} else {
					fmt.Printf("OK      %s/%s/%s\n", core, sid, s)
				}
			}
			if snaps, _ := os.ReadDir(filepath.Join(schemaDir, "logs")); snaps != nil {
				for _, e := range snaps {
					if e.IsDir() && strings.HasPrefix(e.Name(), "snapshot") {
						fmt.Printf("NOTE    %s/%s: WAL snapshot %s still present (a flush was interrupted; replay will consume it on next open)\n", core, sid, e.Name())
					}
				}
			}
		}
	}
	if bad > 0 {
		os.Exit(1)
	}
}
