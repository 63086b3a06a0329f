// Package main is schemactl, an offline checker for schema trees and system
// configurations.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/morezero/modbridge/pkg/bootstrap"
	"github.com/morezero/modbridge/pkg/registry"
	"github.com/morezero/modbridge/pkg/schema"
	"github.com/morezero/modbridge/pkg/taxonomy"
)

const usage = `Usage: schemactl <command> <schema-dir> [args]
       schemactl validate <schema-dir>                 Load and cross-check every document.
       schemactl errors <schema-dir> <interface>       Print the error union of an interface.
       schemactl commands <schema-dir> <module>        Print the command registrations of a module.
       schemactl config <schema-dir> <config-file>     Resolve a system config against the schemas.
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "schemactl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(out, usage)
		return nil
	}
	want := map[string]int{"validate": 2, "errors": 3, "commands": 3, "config": 3}
	n, ok := want[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
	if len(args) != n {
		return fmt.Errorf("%s: wrong number of arguments\n%s", args[0], usage)
	}

	if fi, err := os.Stat(args[1]); err != nil {
		return err
	} else if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", args[1])
	}
	catalog, err := schema.LoadDir(args[1])
	if err != nil {
		return err
	}
	switch args[0] {
	case "validate":
		fmt.Fprintf(out, "ok: %d interfaces, %d error files, %d modules\n",
			len(catalog.Interfaces), len(catalog.ErrorLists), len(catalog.Manifests))
		return nil
	case "errors":
		return printErrors(out, catalog, args[2])
	case "commands":
		return printCommands(out, catalog, args[2])
	default:
		return printConfig(out, catalog, args[2])
	}
}

func printErrors(out io.Writer, catalog *schema.Catalog, name string) error {
	iface, err := catalog.Interface(name)
	if err != nil {
		return err
	}
	union, err := taxonomy.Compile(taxonomy.NewCatalog(catalog.ErrorLists), iface.Errors)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d kinds (%s)\n", name, union.Len(), union.Policy())
	for _, f := range union.Files {
		fmt.Fprintf(out, "  %s\n", f.TypeName())
		for _, v := range f.Variants {
			fmt.Fprintf(out, "    %s  %s\n", v.Kind, v.Description)
		}
	}
	return nil
}

func printCommands(out io.Writer, catalog *schema.Catalog, module string) error {
	manifest, err := catalog.Manifest(module)
	if err != nil {
		return err
	}
	set, err := registry.Build(manifest, catalog)
	if err != nil {
		return err
	}
	for _, r := range set.All() {
		args := make([]string, 0, len(r.Arguments))
		for a := range r.Arguments {
			args = append(args, a)
		}
		sort.Strings(args)
		fmt.Fprintf(out, "%s (%s) args=[%s]\n", r.Key(), r.Interface, strings.Join(args, ", "))
	}
	return nil
}

func printConfig(out io.Writer, catalog *schema.Catalog, file string) error {
	cfg, _, err := bootstrap.LoadSystemConfig(file)
	if err != nil {
		return err
	}
	resolved, err := bootstrap.Resolve(cfg, catalog)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "config %q: %d modules\n", resolved.Name(), len(resolved.IDs()))
	for _, id := range resolved.IDs() {
		m := resolved.Get(id)
		fmt.Fprintf(out, "  %s (%s)\n", id, m.Type)
		reqs := make([]string, 0, len(m.Manifest.Requires))
		for req := range m.Manifest.Requires {
			reqs = append(reqs, req)
		}
		sort.Strings(reqs)
		for _, req := range reqs {
			for _, f := range resolved.Connections(id, req) {
				fmt.Fprintf(out, "    %s -> %s.%s\n", req, f.ModuleID, f.ImplementationID)
			}
		}
	}
	return nil
}
