// Command tienda-config administers the file-backed configuration document
// read by tienda -source=file.
//
//	tienda-config show
//	tienda-config set -tienda-abierta=true -hacer-pedidos=false
//	tienda-config delete
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tienda-app/tienda-go/internal/configsync"
	"github.com/tienda-app/tienda-go/internal/models"
	"github.com/tienda-app/tienda-go/internal/remote"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "tienda-config:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: tienda-config [-config-dir dir] [-path doc] show|set|delete [flags]")

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tienda-config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfgDir := fs.String("config-dir", "", "config directory (default: ~/.config/tienda)")
	docPath := fs.String("path", models.DefaultPath, "configuration document path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	if *cfgDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		*cfgDir = filepath.Join(home, ".config", "tienda")
	}
	src := remote.NewFileSource(*cfgDir)

	switch cmd, rest := fs.Arg(0), fs.Args()[1:]; cmd {
	case "show":
		return show(src, *docPath, out)
	case "set":
		return set(src, *docPath, rest, out)
	case "delete":
		if err := src.Delete(*docPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s\n", *docPath)
		return nil
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func show(src *remote.FileSource, path string, out io.Writer) error {
	ev, err := src.Get(path)
	if err != nil {
		return err
	}
	switch {
	case ev.Err != nil:
		return ev.Err
	case !ev.Exists:
		fmt.Fprintf(out, "%s: %s\n", path, models.MsgNotFound)
		return nil
	}
	snap := configsync.Decode(ev.Data)
	fmt.Fprintf(out, "%s=%t\n%s=%t\n",
		models.FieldStoreOpen, snap.StoreOpen,
		models.FieldAcceptingOrders, snap.AcceptingOrders)
	return nil
}

// set updates the given flags, keeping every other field of the document.
func set(src *remote.FileSource, path string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	open := fs.Bool(models.FieldStoreOpen, false, "store open")
	orders := fs.Bool(models.FieldAcceptingOrders, false, "accepting orders")
	// Accept the dashed spellings too.
	fs.BoolVar(open, "tienda-abierta", false, "store open")
	fs.BoolVar(orders, "hacer-pedidos", false, "accepting orders")
	if err := fs.Parse(args); err != nil {
		return err
	}

	given := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { given[f.Name] = true })
	if len(given) == 0 {
		return errors.New("set: nothing to change")
	}

	doc, err := loadDoc(src, path)
	if err != nil {
		return err
	}
	if given[models.FieldStoreOpen] || given["tienda-abierta"] {
		doc[models.FieldStoreOpen] = *open
	}
	if given[models.FieldAcceptingOrders] || given["hacer-pedidos"] {
		doc[models.FieldAcceptingOrders] = *orders
	}
	if err := src.Put(path, doc); err != nil {
		return err
	}
	return show(src, path, out)
}

// loadDoc returns the stored document, or an empty one when it is absent,
// corrupt or not an object.
func loadDoc(src *remote.FileSource, path string) (map[string]any, error) {
	ev, err := src.Get(path)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if ev.Err != nil || !ev.Exists {
		return doc, nil
	}
	if err := json.Unmarshal(ev.Data, &doc); err != nil || doc == nil {
		return map[string]any{}, nil
	}
	return doc, nil
}
