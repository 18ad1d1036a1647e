package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/faucetdb/datum/internal/datum"
	"github.com/faucetdb/datum/internal/model"
)

// splitTarget splits "schema.name". The name may itself contain dots.
func splitTarget(s string) (schema, name string, err error) {
	schema, name, ok := strings.Cut(s, ".")
	if !ok || schema == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q is not schema.name", model.ErrMalformedSelector, s)
	}
	return schema, name, nil
}

func relation(db *datum.Database, target string) (*datum.Relation, error) {
	schema, name, err := splitTarget(target)
	if err != nil {
		return nil, err
	}
	return db.Schema(schema).Relation(name), nil
}

// readJSON decodes a JSON argument. "-" reads standard input.
func readJSON(arg string, stdin io.Reader, v any) error {
	data := []byte(arg)
	if arg == "-" {
		var err error
		if data, err = io.ReadAll(stdin); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// printJSON writes v as JSON, indented when w is a terminal.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
