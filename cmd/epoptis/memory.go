package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mtzanidakis/epoptis/internal/config"
	"github.com/mtzanidakis/epoptis/internal/store"
	"github.com/mtzanidakis/epoptis/internal/vault"
)

// runMemory administers the shared memory namespace from the command
// line: stored transcripts, cached run context, anything the agents
// persisted. Values are sealed when a vault passphrase is configured.
func runMemory(args []string) error {
	if len(args) == 0 {
		printMemoryUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var sealer store.Sealer
	if cfg.Vault.Passphrase != "" {
		sealer = vault.New(cfg.Vault.Passphrase)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	mem, err := store.NewMemory(db, sealer)
	if err != nil {
		return fmt.Errorf("init memory: %w", err)
	}

	switch args[0] {
	case "list":
		return memoryList(mem, args[1:])
	case "get":
		return memoryGet(mem, args[1:])
	case "set":
		return memorySet(mem, args[1:])
	case "delete":
		return memoryDelete(mem, args[1:])
	default:
		printMemoryUsage()
		return fmt.Errorf("unknown memory command: %s", args[0])
	}
}

func printMemoryUsage() {
	fmt.Fprintf(os.Stderr, `Usage: epoptis memory <command>

Commands:
  list <namespace>                      List keys in a namespace
  get <namespace> <key>                 Print a value
  set <namespace> <key> --value <str>   Store a string value
  set <namespace> <key> --file <path>   Store a file's contents
  delete <namespace> <key>              Delete a value

Environment:
  EPOPTIS_VAULT_PASSPHRASE              Seals values at rest when set.
`)
}

func memoryList(mem *store.MemoryStore, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: epoptis memory list <namespace>")
	}
	keys, err := mem.Keys(args[0])
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No entries stored.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tKEY")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", args[0], k)
	}
	return w.Flush()
}

func memoryGet(mem *store.MemoryStore, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: epoptis memory get <namespace> <key>")
	}
	value, ok := mem.Read(args[0], args[1])
	if !ok {
		return fmt.Errorf("no entry %s/%s", args[0], args[1])
	}
	_, err := os.Stdout.Write(value)
	return err
}

func memorySet(mem *store.MemoryStore, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: epoptis memory set <namespace> <key> --value <str> | --file <path>")
	}
	namespace, key := args[0], args[1]

	var value []byte
	for i := 2; i < len(args); i++ {
		switch args[i] {
		case "--value":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --value")
			}
			i++
			value = []byte(args[i])
		case "--file":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --file")
			}
			i++
			data, err := os.ReadFile(args[i])
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			value = data
		}
	}
	if value == nil {
		return fmt.Errorf("one of --value or --file is required")
	}

	if err := mem.Write(namespace, key, value); err != nil {
		return err
	}
	fmt.Printf("Stored %s/%s (%d bytes)\n", namespace, key, len(value))
	return nil
}

func memoryDelete(mem *store.MemoryStore, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: epoptis memory delete <namespace> <key>")
	}
	if err := mem.Delete(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s/%s\n", args[0], args[1])
	return nil
}
